package schema

import (
	"maps"
	"slices"
	"time"
)

// CloneValue deep-copies the container shapes produced by JSON decoding and
// by Go callers building contexts by hand. Other values are returned as-is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	case map[string][]string:
		out := make(map[string][]string, len(t))
		for k, e := range t {
			out[k] = slices.Clone(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = CloneMap(e)
		}
		return out
	default:
		return v
	}
}

// CloneMap deep-copies a map. A nil map stays nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// Clone returns a deep copy of the template.
func (t *WorkflowTemplate) Clone() *WorkflowTemplate {
	if t == nil {
		return nil
	}
	c := *t
	c.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		s.Configuration = CloneMap(s.Configuration)
		s.Dependencies = slices.Clone(s.Dependencies)
		c.Steps[i] = s
	}
	c.Triggers = make([]TriggerDefinition, len(t.Triggers))
	for i, tr := range t.Triggers {
		tr.Configuration = CloneMap(tr.Configuration)
		c.Triggers[i] = tr
	}
	c.ExecutionOrder = slices.Clone(t.ExecutionOrder)
	return &c
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Context = CloneMap(e.Context)
	c.StepHistory = make([]StepRecord, len(e.StepHistory))
	for i, r := range e.StepHistory {
		r.StartedAt = cloneTime(r.StartedAt)
		r.CompletedAt = cloneTime(r.CompletedAt)
		r.Error = r.Error.clone()
		c.StepHistory[i] = r
	}
	c.Error = e.Error.clone()
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

// Clone returns a deep copy of the registration.
func (r *TriggerRegistration) Clone() *TriggerRegistration {
	if r == nil {
		return nil
	}
	c := *r
	c.Configuration = CloneMap(r.Configuration)
	return &c
}

func (e *FlowError) clone() *FlowError {
	if e == nil {
		return nil
	}
	c := *e
	c.Details = CloneMap(e.Details)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
