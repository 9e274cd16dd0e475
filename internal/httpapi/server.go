// Package httpapi exposes templates, executions and trigger ingress over HTTP.
// Errors are RFC 7807 problem documents carrying the taskflow error code.
package httpapi

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/events"
	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/templates"
	"github.com/rendis/taskflow/internal/triggers"
)

// Deps holds the components the API serves.
type Deps struct {
	Engine    *engine.Engine
	Templates *templates.Service
	Triggers  *triggers.Dispatcher
	Scheduler *triggers.Scheduler
	Approvals *executors.ApprovalGate
	Bus       *events.Bus
	Secrets   secrets.Vault
	Logger    *slog.Logger
}

// Server is the HTTP surface of taskflow.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates a Server over deps.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps, logger: logger.With(slog.String("module", "httpapi"))}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Templates.
	mux.HandleFunc("POST /api/v1/templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /api/v1/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/v1/templates/validate", s.handleValidateTemplate)
	mux.HandleFunc("GET /api/v1/templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("PATCH /api/v1/templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("GET /api/v1/templates/{id}/versions", s.handleListVersions)
	mux.HandleFunc("POST /api/v1/templates/{id}/activate", s.handleActivateTemplate)
	mux.HandleFunc("POST /api/v1/templates/{id}/deactivate", s.handleDeactivateTemplate)
	mux.HandleFunc("GET /api/v1/templates/{id}/triggers", s.handleTemplateTriggers)
	mux.HandleFunc("POST /api/v1/templates/{id}/executions", s.handleExecuteTemplate)
	mux.HandleFunc("GET /api/v1/templates/{id}/diagram", s.handleTemplateDiagram)

	// Executions.
	mux.HandleFunc("GET /api/v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/v1/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /api/v1/executions/{id}/history", s.handleExecutionHistory)
	mux.HandleFunc("GET /api/v1/executions/{id}/stream", s.handleExecutionStream)
	mux.HandleFunc("GET /api/v1/executions/{id}/diagram", s.handleExecutionDiagram)
	mux.HandleFunc("POST /api/v1/executions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/v1/executions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.handleCancel)

	// Approvals.
	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/v1/executions/{id}/steps/{step}/decision", s.handleDecide)

	// Triggers.
	mux.HandleFunc("POST /api/v1/events", s.handleTriggerEvent)
	mux.HandleFunc("GET /api/v1/schedules", s.handleListSchedules)
	mux.HandleFunc("/hooks/", s.handleWebhook)

	// Secrets. Values are write-only.
	mux.HandleFunc("GET /api/v1/secrets", s.handleListSecrets)
	mux.HandleFunc("PUT /api/v1/secrets/{key}", s.handlePutSecret)
	mux.HandleFunc("DELETE /api/v1/secrets/{key}", s.handleDeleteSecret)

	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.deps.Engine.Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"pool":      m,
		"schedules": s.deps.Scheduler.Len(),
	})
}
