package httpapi

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// handleTriggerEvent accepts an external event and starts one execution per
// matching registration.
func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	var event schema.TriggerEvent
	if err := decodeJSON(w, r, &event); err != nil {
		bodyError(w, r, err)
		return
	}
	if err := validate.Struct(event); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = "api"
	}

	ids, err := s.deps.Triggers.ProcessTriggerEvent(r.Context(), event)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_ids": nonNil(ids)})
}

// handleWebhook is the ingress for webhook registrations. Any method on any
// path under /hooks/ is offered to the dispatcher.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		bodyError(w, r, err)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	ids, err := s.deps.Triggers.HandleWebhookRequest(r.Context(), r.Method, r.URL.Path, body, headers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(ids) == 0 {
		writeProblem(w, http.StatusNotFound, &problem{
			Problem: newProblem(r, http.StatusNotFound, "no_matching_trigger",
				"no active webhook registration matches "+r.Method+" "+r.URL.Path),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_ids": ids})
}

type scheduleView struct {
	*schema.TriggerRegistration
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	regs, err := s.deps.Triggers.Registrations(r.Context(), store.RegistrationFilter{
		Type:       schema.TriggerSchedule,
		ActiveOnly: queryBool(r, "active"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]scheduleView, 0, len(regs))
	for _, reg := range regs {
		v := scheduleView{TriggerRegistration: reg}
		if next := s.deps.Scheduler.Next(reg.ID); !next.IsZero() {
			v.NextRun = &next
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": s.deps.Approvals.Pending(r.URL.Query().Get("execution_id")),
	})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var d executors.ApprovalDecision
	if err := decodeJSON(w, r, &d); err != nil {
		bodyError(w, r, err)
		return
	}
	if err := s.deps.Approvals.Decide(r.PathValue("id"), r.PathValue("step"), d); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": r.PathValue("id"), "step_id": r.PathValue("step"), "approved": d.Approved})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
