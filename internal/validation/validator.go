package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/taskflow/pkg/schema"
)

// KindLookup reports whether an executor is available for a step kind.
// Satisfied by executors.Registry.
type KindLookup interface {
	Has(kind schema.StepType) bool
}

// Validator runs the template validation pipeline:
// 1. Structural (struct tags, closed kind sets)
// 2. Configuration (per-kind JSON Schemas and pattern checks)
// 3. Graph (dangling deps, cycles, topological order, complexity)
type Validator struct {
	structs *validator.Validate
	configs *ConfigSchemas
	kinds   KindLookup
}

// NewValidator creates a Validator. kinds may be nil to skip executor
// availability warnings.
func NewValidator(kinds KindLookup) (*Validator, error) {
	configs, err := NewConfigSchemas()
	if err != nil {
		return nil, err
	}
	return &Validator{
		structs: validator.New(validator.WithRequiredStructEnabled()),
		configs: configs,
		kinds:   kinds,
	}, nil
}

// Configs returns the compiled configuration schemas.
func (v *Validator) Configs() *ConfigSchemas {
	return v.configs
}

// ValidateSteps validates a step set. On success the result carries the
// stable topological order and the complexity classification.
func (v *Validator) ValidateSteps(steps []schema.Step) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}

	for i := range steps {
		step := &steps[i]
		p := fmt.Sprintf("steps[%d]", i)

		if err := v.structs.Struct(step); err != nil {
			addStructErrors(result, p, err)
			continue
		}
		if !step.Type.Valid() {
			result.AddError(p+".type", schema.ErrCodeValidation,
				fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type))
			continue
		}
		if v.kinds != nil && !v.kinds.Has(step.Type) && step.Type != schema.StepTypeConditional {
			result.AddWarning(p+".type", schema.ErrCodeUnknownStepType,
				fmt.Sprintf("no executor registered for step type %q", step.Type))
		}
		result.Merge(v.configs.ValidateStep(step, p, ids))
	}

	_, graph := AnalyzeGraph(steps)
	result.Merge(graph)
	if !result.Valid() {
		result.Order = nil
		result.Complexity = ""
	}
	return result
}

// ValidateTemplate validates template metadata, triggers and steps.
func (v *Validator) ValidateTemplate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if tpl == nil {
		result.AddError("/", schema.ErrCodeValidation, "template is nil")
		return result
	}

	if strings.TrimSpace(tpl.Name) == "" {
		result.AddError("name", schema.ErrCodeValidation, "template name is required")
	}

	for i, trig := range tpl.Triggers {
		p := fmt.Sprintf("triggers[%d]", i)
		if !trig.Type.Valid() {
			result.AddError(p+".type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown trigger type %q", trig.Type))
			continue
		}
		result.Merge(v.configs.ValidateTrigger(trig, p))
	}

	steps := v.ValidateSteps(tpl.Steps)
	result.Merge(steps)
	if !result.Valid() {
		result.Order = nil
		result.Complexity = ""
	}
	return result
}

// ValidateEvent checks the struct-level constraints of an inbound trigger event.
func (v *Validator) ValidateEvent(event *schema.TriggerEvent) error {
	if err := v.structs.Struct(event); err != nil {
		result := &schema.ValidationResult{}
		addStructErrors(result, "event", err)
		return result.ToError()
	}
	if !event.Type.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", event.Type)
	}
	return nil
}

func addStructErrors(result *schema.ValidationResult, prefix string, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		result.AddError(prefix, schema.ErrCodeValidation, err.Error())
		return
	}
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		result.AddError(prefix+"."+field, schema.ErrCodeValidation,
			fmt.Sprintf("%s failed on the %q rule", field, fe.Tag()))
	}
}
