package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].type", ErrCodeValidation, "unknown type")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].type", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1]", ErrCodeValidation, "no name")
	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_MergeKeepsGraphFacts(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")

	r2 := &ValidationResult{Complexity: ComplexitySimple, Order: []string{"a", "b"}}
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 1)
	assert.Len(t, r1.Warnings, 1)
	assert.Equal(t, ComplexitySimple, r1.Complexity)
	assert.Equal(t, []string{"a", "b"}, r1.Order)
}

func TestValidationResult_ToError_CyclePrecedence(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].name", ErrCodeValidation, "name required")
	r.AddError("steps", ErrCodeCycleDetected, "cycle: a -> b -> a", "a", "b")

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCycleDetected))

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"a", "b"}, fe.Details["cycle"])
	assert.Equal(t, 2, fe.Details["error_count"])
}

func TestValidationResult_ToError_ManyErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("a", ErrCodeValidation, "one")
	r.AddError("b", ErrCodeDanglingDep, "two")

	err := r.ToError()
	assert.True(t, IsCode(err, ErrCodeValidation))
	assert.Contains(t, err.Error(), "2 errors")
}

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeStepFailed, "boom").WithStep("fetch")
	assert.Equal(t, "[STEP_FAILED] step fetch: boom", err.Error())

	plain := NewErrorf(ErrCodeNotFound, "template %q not found", "t1")
	assert.Equal(t, `[NOT_FOUND] template "t1" not found`, plain.Error())
}

func TestFlowError_UnwrapAndRetryable(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(ErrCodeStepFailed, "call failed").WithCause(cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.IsRetryable())

	assert.False(t, NewError(ErrCodeUnknownStepType, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeCancelled, "x").IsRetryable())
}

func TestAsFlowError(t *testing.T) {
	assert.Nil(t, AsFlowError(nil, ErrCodeStore))

	wrapped := fmt.Errorf("outer: %w", NewError(ErrCodeConflict, "busy"))
	assert.Equal(t, ErrCodeConflict, AsFlowError(wrapped, ErrCodeStore).Code)

	foreign := AsFlowError(errors.New("disk full"), ErrCodeStore)
	assert.Equal(t, ErrCodeStore, foreign.Code)
	assert.Equal(t, "disk full", foreign.Message)
}

func TestStepAndTriggerTypes(t *testing.T) {
	assert.True(t, StepTypeConditional.Valid())
	assert.False(t, StepType("shell").Valid())
	assert.True(t, TriggerWebhook.Valid())
	assert.False(t, TriggerType("sms").Valid())
	assert.Equal(t, "step_fetch_result", ResultKey("fetch"))
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.False(t, ExecutionRunning.IsTerminal())
	assert.False(t, ExecutionPaused.IsTerminal())
	assert.True(t, ExecutionCompleted.IsTerminal())
	assert.True(t, ExecutionFailed.IsTerminal())
	assert.True(t, ExecutionCancelled.IsTerminal())
}
