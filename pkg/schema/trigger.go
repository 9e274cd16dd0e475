package schema

import "time"

// TriggerEvent is an inbound event offered to the trigger dispatcher.
type TriggerEvent struct {
	ID        string         `json:"id,omitempty"`
	Type      TriggerType    `json:"type" validate:"required"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
}

// AsMap renders the event as the plain value bound under the triggerEvent context key.
func (e TriggerEvent) AsMap() map[string]any {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"id":        e.ID,
		"type":      string(e.Type),
		"data":      data,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"source":    e.Source,
		"userId":    e.UserID,
	}
}

// TriggerRegistration binds a trigger definition to a template.
type TriggerRegistration struct {
	ID            string         `json:"id"`
	TemplateID    string         `json:"template_id"`
	Type          TriggerType    `json:"type"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Active        bool           `json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Definition returns the trigger definition this registration was created from.
func (r *TriggerRegistration) Definition() TriggerDefinition {
	return TriggerDefinition{Type: r.Type, Configuration: r.Configuration}
}
