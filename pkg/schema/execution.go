package schema

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus represents the lifecycle state of a step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsSettled reports whether the step has reached a final status for its execution.
func (s StepStatus) IsSettled() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// TriggerEventContextKey is the context key an execution started by a trigger receives its event under.
const TriggerEventContextKey = "triggerEvent"

// TriggeredManually marks executions started directly rather than by a trigger registration.
const TriggeredManually = "manual"

// ResultKey returns the context key a completed step writes its result under.
func ResultKey(stepID string) string {
	return fmt.Sprintf("step_%s_result", stepID)
}

// StepRecord is one entry in an execution's step history.
type StepRecord struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       *FlowError `json:"error,omitempty"`
	Branch      string     `json:"branch,omitempty"`
}

// Execution is one running or completed instance of a template applied to a task.
type Execution struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version"`
	TaskID          string          `json:"task_id"`
	Status          ExecutionStatus `json:"status"`
	Context         map[string]any  `json:"context"`
	StepHistory     []StepRecord    `json:"step_history"`
	Error           *FlowError      `json:"error,omitempty"`
	TriggeredBy     string          `json:"triggered_by"`
	UserID          string          `json:"user_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// StepRecord returns the history entry for stepID, or nil.
func (e *Execution) StepRecord(stepID string) *StepRecord {
	for i := range e.StepHistory {
		if e.StepHistory[i].StepID == stepID {
			return &e.StepHistory[i]
		}
	}
	return nil
}

// ExecuteOptions carries caller-provided parameters for a new execution.
type ExecuteOptions struct {
	InitialContext map[string]any `json:"initial_context,omitempty"`
	TriggeredBy    string         `json:"triggered_by,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
}
