package httpapi

import (
	"net/http"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var spec schema.TemplateSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		bodyError(w, r, err)
		return
	}
	tpl, err := s.deps.Templates.CreateTemplate(r.Context(), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Templates.ListTemplates(r.Context(), store.TemplateFilter{
		FamilyID:   q.Get("family_id"),
		Category:   q.Get("category"),
		Name:       q.Get("name"),
		ActiveOnly: queryBool(r, "active"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*schema.WorkflowTemplate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

// handleValidateTemplate reports every validation issue without storing
// anything. Invalid templates answer 422 with the full result.
func (s *Server) handleValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl schema.WorkflowTemplate
	if err := decodeJSON(w, r, &tpl); err != nil {
		bodyError(w, r, err)
		return
	}
	result := s.deps.Templates.ValidateWorkflowTemplate(&tpl)
	status := http.StatusOK
	if !result.Valid() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"valid":      result.Valid(),
		"errors":     result.Errors,
		"warnings":   result.Warnings,
		"order":      result.Order,
		"complexity": result.Complexity,
	})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Templates.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// handleUpdateTemplate patches a template in place, or forks a new version
// with ?new_version=true.
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var patch schema.TemplatePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		bodyError(w, r, err)
		return
	}
	newVersion := queryBool(r, "new_version")
	tpl, err := s.deps.Templates.UpdateTemplate(r.Context(), r.PathValue("id"), patch, newVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if newVersion {
		status = http.StatusCreated
	}
	writeJSON(w, status, tpl)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Templates.ListVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleActivateTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Templates.ActivateTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Templates.DeactivateTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleTemplateTriggers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Templates.GetTemplate(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	regs, err := s.deps.Triggers.Registrations(r.Context(), store.RegistrationFilter{TemplateID: id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if regs == nil {
		regs = []*schema.TriggerRegistration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"registrations": regs})
}

type executeRequest struct {
	TaskID  string         `json:"task_id"`
	Context map[string]any `json:"context,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
}

// handleExecuteTemplate starts a manual execution and answers before it runs.
func (s *Server) handleExecuteTemplate(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if req.TaskID == "" {
		badRequest(w, r, "task_id is required")
		return
	}
	id, err := s.deps.Engine.ExecuteWorkflow(r.Context(), r.PathValue("id"), req.TaskID, schema.ExecuteOptions{
		InitialContext: req.Context,
		TriggeredBy:    schema.TriggeredManually,
		UserID:         req.UserID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/executions/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}
