package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/events"
	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/templates"
	"github.com/rendis/taskflow/internal/triggers"
)

// TaskflowServerDeps holds the dependencies for creating a TaskflowServer.
type TaskflowServerDeps struct {
	Engine    *engine.Engine
	Templates *templates.Service
	Triggers  *triggers.Dispatcher
	Approvals *executors.ApprovalGate
	Bus       *events.Bus
	Logger    *slog.Logger
}

// TaskflowServer wraps an MCP server with taskflow tool handlers.
type TaskflowServer struct {
	engine    *engine.Engine
	templates *templates.Service
	triggers  *triggers.Dispatcher
	approvals *executors.ApprovalGate
	bus       *events.Bus
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewTaskflowServer creates a TaskflowServer with every tool registered.
// Sessions closing on the client side drop their agent mappings.
func NewTaskflowServer(deps TaskflowServerDeps) *TaskflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &TaskflowServer{
		engine:    deps.Engine,
		templates: deps.Templates,
		triggers:  deps.Triggers,
		approvals: deps.Approvals,
		bus:       deps.Bus,
		logger:    logger.With(slog.String("module", "mcp")),
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		if agents := s.sessions.Remove(session.SessionID()); len(agents) > 0 {
			s.logger.Debug("session closed", slog.String("session_id", session.SessionID()), slog.Any("agents", agents))
		}
	})

	mcpSrv := server.NewMCPServer(
		"taskflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Taskflow runs DAG workflow templates against tasks. Use taskflow.define to store a template, taskflow.run to start an execution, taskflow.status to follow it, taskflow.control to pause, resume or cancel it, taskflow.approve to decide pending approvals, taskflow.trigger to submit external events and taskflow.query to list executions, events, templates, versions and approvals."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TaskflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEServer returns an SSE transport for s rooted at basePath.
func (s *TaskflowServer) SSEServer(baseURL, basePath string) *server.SSEServer {
	return server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(baseURL),
		server.WithStaticBasePath(basePath),
	)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TaskflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent to session mapping filled by tool calls.
func (s *TaskflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *TaskflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("taskflow.define",
		mcp.WithDescription("Store a workflow template, or a new version of an existing one"),
		mcp.WithObject("template", mcp.Required(), mcp.Description("Template object: name, description, category, steps, triggers, is_active")),
		mcp.WithString("template_id", mcp.Description("Existing template to derive a new version from")),
		mcp.WithString("agent_id", mcp.Description("ID of the defining agent")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("taskflow.validate",
		mcp.WithDescription("Validate a workflow template without storing it"),
		mcp.WithObject("template", mcp.Required(), mcp.Description("Template object to validate")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("taskflow.run",
		mcp.WithDescription("Start an execution of a template for a task"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the template to execute")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task the execution works on")),
		mcp.WithObject("context", mcp.Description("Initial execution context")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent starting the execution; it is notified when the execution stops")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution completes, fails, pauses or is cancelled")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("taskflow.status",
		mcp.WithDescription("Get execution status, step history and pending approvals"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("taskflow.control",
		mcp.WithDescription("Pause, resume or cancel an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "cancel"),
			mcp.Description("Control action"),
		),
		mcp.WithString("agent_id", mcp.Description("ID of the controlling agent")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("taskflow.trigger",
		mcp.WithDescription("Submit an external event to the trigger dispatcher"),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("schedule", "email-received", "file-uploaded", "webhook", "manual"),
			mcp.Description("Trigger event type"),
		),
		mcp.WithObject("data", mcp.Description("Event data matched against trigger configurations")),
		mcp.WithString("id", mcp.Description("Event ID, also the default task ID")),
		mcp.WithString("source", mcp.Description("Event source")),
		mcp.WithString("agent_id", mcp.Description("ID of the submitting agent")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("taskflow.approve",
		mcp.WithDescription("Approve or reject a pending user-approval step"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the waiting approval step")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Decision")),
		mcp.WithString("approver", mcp.Description("Approver identity (default: agent_id)")),
		mcp.WithString("comment", mcp.Description("Decision comment")),
		mcp.WithString("agent_id", mcp.Description("ID of the deciding agent")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("taskflow.query",
		mcp.WithDescription("Query executions, events, templates, versions or approvals"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "templates", "versions", "approvals"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (template_id, task_id, status, since, limit, offset, execution_id, step_id, event_type, family_id, category, name, active)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("taskflow.diagram",
		mcp.WithDescription("Draw a template DAG, optionally with the runtime status of an execution. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image"),
		mcp.WithString("template_id", mcp.Description("Template to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution to draw with step status")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
