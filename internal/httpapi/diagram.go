package httpapi

import (
	"net/http"

	"github.com/rendis/taskflow/internal/diagram"
	"github.com/rendis/taskflow/pkg/schema"
)

func (s *Server) handleTemplateDiagram(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Templates.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.renderDiagram(w, r, tpl, nil)
}

// handleExecutionDiagram draws the template of an execution with the
// runtime status of every step.
func (s *Server) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	tpl, err := s.deps.Templates.GetTemplate(r.Context(), exec.TemplateID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.renderDiagram(w, r, tpl, exec)
}

// renderDiagram writes ascii and mermaid as text and image as PNG.
func (s *Server) renderDiagram(w http.ResponseWriter, r *http.Request, tpl *schema.WorkflowTemplate, exec *schema.Execution) {
	model, err := diagram.Build(tpl, exec)
	if err != nil {
		writeError(w, r, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == diagram.FormatImage {
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
		return
	}

	out, err := diagram.Render(r.Context(), model, format)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(out))
}
