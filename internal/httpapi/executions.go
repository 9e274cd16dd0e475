package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/taskflow/internal/events"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		TemplateID: q.Get("template_id"),
		TaskID:     q.Get("task_id"),
		Since:      since,
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}

	list, err := s.deps.Engine.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*schema.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.deps.Engine.Events(r.Context(), r.PathValue("id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleExecutionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": history})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Engine.PauseWorkflow)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Engine.ResumeWorkflow)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Engine.CancelWorkflow)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := s.deps.Engine.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func isTerminalEvent(typ string) bool {
	switch typ {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}

// handleExecutionStream replays the stored events of an execution after
// ?since (or Last-Event-ID) and then follows the live lifecycle topic.
// The stream ends once the execution reaches a terminal state.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id := r.PathValue("id")
	exec, err := s.deps.Engine.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	since := int64(queryInt(r, "since", 0))
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	}

	// Subscribe before replaying so nothing falls between the two.
	live, err := s.deps.Bus.Subscribe(r.Context(), events.TopicLifecycle)
	if err != nil {
		s.logger.Error("stream subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	replay, err := s.deps.Engine.Events(r.Context(), id, since)
	if err != nil {
		s.logger.Error("stream replay failed", "execution_id", id, "error", err)
		return
	}
	last := since
	for _, ev := range replay {
		writeSSE(w, ev)
		last = ev.Sequence
		if isTerminalEvent(ev.Type) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()
	if exec.Status.IsTerminal() && len(replay) == 0 {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-live:
			if !ok {
				return
			}
			if msg.Metadata.Get(events.MetadataExecutionID) != id {
				msg.Ack()
				continue
			}
			var ev store.Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil || ev.Sequence <= last {
				continue
			}
			writeSSE(w, &ev)
			flusher.Flush()
			last = ev.Sequence
			if isTerminalEvent(ev.Type) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *store.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data)
}
