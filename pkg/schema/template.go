package schema

import "time"

// StepType enumerates the kinds of steps in a workflow template.
type StepType string

const (
	StepTypeDataTransform   StepType = "data-transform"
	StepTypeAIProcessing    StepType = "ai-processing"
	StepTypeExternalAPICall StepType = "external-api-call"
	StepTypeUserApproval    StepType = "user-approval"
	StepTypeNotification    StepType = "notification"
	StepTypeConditional     StepType = "conditional"
)

// StepTypes lists every recognized step kind.
var StepTypes = []StepType{
	StepTypeDataTransform,
	StepTypeAIProcessing,
	StepTypeExternalAPICall,
	StepTypeUserApproval,
	StepTypeNotification,
	StepTypeConditional,
}

// Valid reports whether t is one of the closed set of step kinds.
func (t StepType) Valid() bool {
	for _, k := range StepTypes {
		if k == t {
			return true
		}
	}
	return false
}

// TriggerType enumerates the kinds of inbound events that can start a workflow.
type TriggerType string

const (
	TriggerSchedule      TriggerType = "schedule"
	TriggerEmailReceived TriggerType = "email-received"
	TriggerFileUploaded  TriggerType = "file-uploaded"
	TriggerWebhook       TriggerType = "webhook"
	TriggerManual        TriggerType = "manual"
)

// TriggerTypes lists every recognized trigger kind.
var TriggerTypes = []TriggerType{
	TriggerSchedule,
	TriggerEmailReceived,
	TriggerFileUploaded,
	TriggerWebhook,
	TriggerManual,
}

// Valid reports whether t is one of the closed set of trigger kinds.
func (t TriggerType) Valid() bool {
	for _, k := range TriggerTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Step is one unit of work in a template.
type Step struct {
	ID            string         `json:"id" validate:"required"`
	Name          string         `json:"name,omitempty"`
	Type          StepType       `json:"type" validate:"required"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty" validate:"dive,required"`
	Order         int            `json:"order"`
	Timeout       string         `json:"timeout,omitempty"`
	RetryCount    int            `json:"retry_count,omitempty" validate:"gte=0"`
}

// TriggerDefinition declares a condition under which a template is started.
type TriggerDefinition struct {
	Type          TriggerType    `json:"type" validate:"required"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// WorkflowTemplate is a versioned, reusable definition of a workflow.
// A version is immutable once forked; in-place updates keep id and version.
type WorkflowTemplate struct {
	ID             string              `json:"id"`
	FamilyID       string              `json:"family_id"`
	Name           string              `json:"name" validate:"required"`
	Description    string              `json:"description,omitempty"`
	Category       string              `json:"category,omitempty"`
	Steps          []Step              `json:"steps" validate:"required,min=1,dive"`
	Triggers       []TriggerDefinition `json:"triggers,omitempty" validate:"dive"`
	Version        int                 `json:"version"`
	IsActive       bool                `json:"is_active"`
	CreatedBy      string              `json:"created_by,omitempty"`
	ExecutionOrder []string            `json:"execution_order,omitempty"`
	Complexity     Complexity          `json:"complexity,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// StepByID returns the step with the given id, or nil.
func (t *WorkflowTemplate) StepByID(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// TemplateSpec is the caller-provided input for creating a template.
type TemplateSpec struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Category    string              `json:"category,omitempty"`
	Steps       []Step              `json:"steps"`
	Triggers    []TriggerDefinition `json:"triggers,omitempty"`
	IsActive    bool                `json:"is_active"`
	CreatedBy   string              `json:"created_by,omitempty"`
}

// TemplatePatch holds the fields an update may change. Nil fields are left untouched.
type TemplatePatch struct {
	Name        *string              `json:"name,omitempty"`
	Description *string              `json:"description,omitempty"`
	Category    *string              `json:"category,omitempty"`
	Steps       []Step               `json:"steps,omitempty"`
	Triggers    *[]TriggerDefinition `json:"triggers,omitempty"`
	IsActive    *bool                `json:"is_active,omitempty"`
}

// ConditionalConfig is the typed view of a conditional step's configuration.
type ConditionalConfig struct {
	Expression string              `json:"expression"`
	Language   string              `json:"language,omitempty"`
	Branches   map[string][]string `json:"branches,omitempty"`
}

// ParseConditionalConfig reads a conditional configuration map. Branch lists
// may be []string or []any, as produced by Go callers and JSON decoding.
func ParseConditionalConfig(cfg map[string]any) ConditionalConfig {
	out := ConditionalConfig{Branches: map[string][]string{}}
	out.Expression, _ = cfg["expression"].(string)
	out.Language, _ = cfg["language"].(string)

	switch branches := cfg["branches"].(type) {
	case map[string][]string:
		for name, ids := range branches {
			out.Branches[name] = append([]string(nil), ids...)
		}
	case map[string]any:
		for name, raw := range branches {
			switch ids := raw.(type) {
			case []string:
				out.Branches[name] = append([]string(nil), ids...)
			case []any:
				for _, id := range ids {
					if s, ok := id.(string); ok {
						out.Branches[name] = append(out.Branches[name], s)
					}
				}
			}
		}
	}
	return out
}
