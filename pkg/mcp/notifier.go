package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP SSE push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP SSE.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's SSE session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// executionStopped lists the lifecycle events an agent is told about.
var executionStopped = []string{
	schema.EventExecutionPaused,
	schema.EventExecutionCompleted,
	schema.EventExecutionFailed,
	schema.EventExecutionCancelled,
}

// WatchExecutions notifies the user of an execution (the agent that started
// it) whenever it pauses or ends. It runs until ctx is done.
func (s *TaskflowServer) WatchExecutions(ctx context.Context, notifier AgentNotifier) error {
	if notifier == nil {
		notifier = NewMCPNotifier(s.mcpServer, s.sessions)
	}
	return s.bus.HandleLifecycle(ctx, func(ctx context.Context, ev *store.Event) error {
		exec, err := s.engine.GetExecution(ctx, ev.ExecutionID)
		if err != nil {
			return err
		}
		if exec.UserID == "" {
			return nil
		}
		payload := map[string]any{
			"level":  "info",
			"logger": "taskflow",
			"data": map[string]any{
				"event":        ev.Type,
				"execution_id": exec.ID,
				"template_id":  exec.TemplateID,
				"task_id":      exec.TaskID,
				"status":       exec.Status,
			},
		}
		if exec.Error != nil {
			payload["level"] = "error"
			payload["data"].(map[string]any)["error"] = exec.Error
		}
		s.logger.Debug("notify agent",
			slog.String("agent_id", exec.UserID),
			slog.String("execution_id", exec.ID),
			slog.String("event_type", ev.Type))
		return notifier.Notify(ctx, exec.UserID, payload)
	}, executionStopped...)
}
