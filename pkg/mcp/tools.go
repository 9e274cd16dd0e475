package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/diagram"
	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// runWaitLimit bounds how long taskflow.run blocks when asked to wait.
const runWaitLimit = 2 * time.Minute

// handleDefine stores a template. With template_id it derives a new version
// of that template's family instead.
func (s *TaskflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "template", nil)
	if raw == nil {
		return mcp.NewToolResultError("template is required"), nil
	}
	var spec schema.TemplateSpec
	if err := decodeArg(raw, &spec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", err)), nil
	}

	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
		if spec.CreatedBy == "" {
			spec.CreatedBy = agentID
		}
	}

	var (
		tpl *schema.WorkflowTemplate
		err error
	)
	if base := req.GetString("template_id", ""); base != "" {
		tpl, err = s.templates.UpdateTemplate(ctx, base, patchFromSpec(raw, spec), true)
	} else {
		tpl, err = s.templates.CreateTemplate(ctx, spec)
	}
	if err != nil {
		return toolError("define failed", err), nil
	}

	return marshalResult(map[string]any{
		"template_id":     tpl.ID,
		"family_id":       tpl.FamilyID,
		"version":         tpl.Version,
		"is_active":       tpl.IsActive,
		"execution_order": tpl.ExecutionOrder,
		"complexity":      tpl.Complexity,
	})
}

// patchFromSpec keeps only the fields the caller actually sent, so a new
// version inherits everything else from its base.
func patchFromSpec(raw map[string]any, spec schema.TemplateSpec) schema.TemplatePatch {
	var p schema.TemplatePatch
	if _, ok := raw["name"]; ok {
		p.Name = &spec.Name
	}
	if _, ok := raw["description"]; ok {
		p.Description = &spec.Description
	}
	if _, ok := raw["category"]; ok {
		p.Category = &spec.Category
	}
	if _, ok := raw["steps"]; ok {
		p.Steps = spec.Steps
	}
	if _, ok := raw["triggers"]; ok {
		p.Triggers = &spec.Triggers
	}
	if _, ok := raw["is_active"]; ok {
		p.IsActive = &spec.IsActive
	}
	return p
}

func (s *TaskflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "template", nil)
	if raw == nil {
		return mcp.NewToolResultError("template is required"), nil
	}
	var tpl schema.WorkflowTemplate
	if err := decodeArg(raw, &tpl); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", err)), nil
	}

	result := s.templates.ValidateWorkflowTemplate(&tpl)
	return marshalResult(map[string]any{
		"valid":      result.Valid(),
		"errors":     result.Errors,
		"warnings":   result.Warnings,
		"order":      result.Order,
		"complexity": result.Complexity,
	})
}

// handleRun starts an execution. The caller's agent_id becomes the
// execution's user so lifecycle notifications reach it.
func (s *TaskflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	id, err := s.engine.ExecuteWorkflow(ctx, templateID, taskID, schema.ExecuteOptions{
		InitialContext: mcp.ParseStringMap(req, "context", nil),
		TriggeredBy:    schema.TriggeredManually,
		UserID:         agentID,
	})
	if err != nil {
		return toolError("run failed", err), nil
	}

	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{"execution_id": id, "status": schema.ExecutionPending})
	}

	waitCtx, cancel := context.WithTimeout(ctx, runWaitLimit)
	defer cancel()
	exec, err := s.engine.Await(waitCtx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return marshalResult(map[string]any{"execution_id": id, "status": schema.ExecutionRunning, "waiting": false})
		}
		return toolError("wait failed", err), nil
	}
	return marshalResult(exec)
}

func (s *TaskflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, err := s.engine.GetExecution(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(map[string]any{
		"execution":         exec,
		"pending_approvals": s.approvals.Pending(id),
	})
}

func (s *TaskflowServer) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}

	switch action {
	case "pause":
		err = s.engine.PauseWorkflow(ctx, id)
	case "resume":
		err = s.engine.ResumeWorkflow(ctx, id)
	case "cancel":
		err = s.engine.CancelWorkflow(ctx, id)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return toolError(action+" failed", err), nil
	}

	exec, err := s.engine.GetExecution(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "action": action, "execution_id": id, "status": exec.Status})
}

func (s *TaskflowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	event := schema.TriggerEvent{
		ID:        req.GetString("id", ""),
		Type:      schema.TriggerType(typ),
		Data:      mcp.ParseStringMap(req, "data", nil),
		Timestamp: time.Now().UTC(),
		Source:    req.GetString("source", "mcp"),
		UserID:    agentID,
	}
	ids, err := s.triggers.ProcessTriggerEvent(ctx, event)
	if err != nil {
		return toolError("trigger failed", err), nil
	}
	if ids == nil {
		ids = []string{}
	}
	return marshalResult(map[string]any{"execution_ids": ids})
}

func (s *TaskflowServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	decision := executors.ApprovalDecision{
		Approved: approved,
		Approver: req.GetString("approver", agentID),
		Comment:  req.GetString("comment", ""),
	}
	if err := s.approvals.Decide(execID, stepID, decision); err != nil {
		return toolError("decision rejected", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": execID, "step_id": stepID, "approved": approved})
}

// handleQuery lists executions, events, templates, versions or approvals.
func (s *TaskflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "templates":
		return s.queryTemplates(ctx, filter)
	case "versions":
		return s.queryVersions(ctx, filter)
	case "approvals":
		return marshalResult(map[string]any{"approvals": s.approvals.Pending(extractString(filter, "execution_id"))})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *TaskflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		TemplateID: extractString(filter, "template_id"),
		TaskID:     extractString(filter, "task_id"),
		Since:      extractTime(filter, "since"),
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}

	list, err := s.engine.ListExecutions(ctx, ef)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"executions": list})
}

func (s *TaskflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		ExecutionID: extractString(filter, "execution_id"),
		TemplateID:  extractString(filter, "template_id"),
		StepID:      extractString(filter, "step_id"),
		EventType:   extractString(filter, "event_type"),
		Since:       extractTime(filter, "since"),
		Limit:       extractInt(filter, "limit", 100),
	}
	if ef.ExecutionID == "" && ef.TemplateID == "" && ef.EventType == "" {
		return mcp.NewToolResultError("event query requires 'execution_id', 'template_id' or 'event_type' in filter"), nil
	}

	evs, err := s.engine.QueryEvents(ctx, ef)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": evs})
}

func (s *TaskflowServer) queryTemplates(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	active, _ := filter["active"].(bool)
	list, err := s.templates.ListTemplates(ctx, store.TemplateFilter{
		FamilyID:   extractString(filter, "family_id"),
		Category:   extractString(filter, "category"),
		Name:       extractString(filter, "name"),
		ActiveOnly: active,
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	})
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"templates": list})
}

func (s *TaskflowServer) queryVersions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	id := extractString(filter, "template_id")
	if id == "" {
		return mcp.NewToolResultError("versions query requires 'template_id' in filter"), nil
	}
	versions, err := s.templates.ListVersions(ctx, id)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"versions": versions})
}

// handleDiagram draws a template, or the template of an execution with
// its step status overlaid.
func (s *TaskflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	templateID := req.GetString("template_id", "")
	executionID := req.GetString("execution_id", "")
	if templateID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of template_id or execution_id is required"), nil
	}

	var exec *schema.Execution
	if executionID != "" {
		exec, err = s.engine.GetExecution(ctx, executionID)
		if err != nil {
			return toolError("execution lookup failed", err), nil
		}
		templateID = exec.TemplateID
	}
	tpl, err := s.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return toolError("template lookup failed", err), nil
	}

	model, err := diagram.Build(tpl, exec)
	if err != nil {
		return toolError("diagram build failed", err), nil
	}
	out, err := diagram.Render(ctx, model, format)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

// --- Internal helpers ---

// decodeArg converts a generic tool argument into a typed value.
func decodeArg(raw map[string]any, v any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// toolError renders err as a tool error, prefixed with its taskflow code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s: %s", prefix, fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func extractString(filter map[string]any, key string) string {
	v, _ := filter[key].(string)
	return v
}

func extractTime(filter map[string]any, key string) *time.Time {
	v := extractString(filter, key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *TaskflowServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
