package schema

import "fmt"

// Complexity is an advisory classification of a template's step graph.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
	StepIDs  []string           `json:"step_ids,omitempty"`
}

// ValidationResult aggregates all issues from the validation pipeline.
// Complexity and Order are filled in when the step graph is acyclic.
type ValidationResult struct {
	Errors     []ValidationIssue `json:"errors,omitempty"`
	Warnings   []ValidationIssue `json:"warnings,omitempty"`
	Complexity Complexity        `json:"complexity,omitempty"`
	Order      []string          `json:"order,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string, stepIDs ...string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError, StepIDs: stepIDs,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if r.Complexity == "" {
		r.Complexity = other.Complexity
	}
	if r.Order == nil {
		r.Order = other.Order
	}
}

// HasCode reports whether any error carries the given code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// ToError converts the result to a FlowError if invalid, nil if valid.
// A detected cycle takes precedence so callers can match on CYCLE_DETECTED.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := ErrCodeValidation
	msg := r.Errors[0].Message
	var stepIDs []string
	for _, e := range r.Errors {
		if e.Code == ErrCodeCycleDetected {
			code = ErrCodeCycleDetected
			msg = e.Message
			stepIDs = e.StepIDs
			break
		}
	}
	if code == ErrCodeValidation && len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if stepIDs != nil {
		details["cycle"] = stepIDs
	}
	return NewError(code, msg).WithDetails(details)
}
