package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// Event is an immutable entry in the lifecycle event log.
// Sequence is monotonically increasing per stream: the execution ID when
// set, otherwise the template ID.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	TemplateID  string          `json:"template_id,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

func (e *Event) stream() string {
	if e.ExecutionID != "" {
		return e.ExecutionID
	}
	return "template:" + e.TemplateID
}

// --- Filter types ---

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	FamilyID   string `json:"family_id,omitempty"`
	Category   string `json:"category,omitempty"`
	Name       string `json:"name,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	TemplateID string                  `json:"template_id,omitempty"`
	TaskID     string                  `json:"task_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// RegistrationFilter specifies criteria for listing trigger registrations.
type RegistrationFilter struct {
	TemplateID string             `json:"template_id,omitempty"`
	Type       schema.TriggerType `json:"type,omitempty"`
	ActiveOnly bool               `json:"active_only,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	TemplateID  string     `json:"template_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
