package engine

import (
	"slices"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// ValidExecutionTransitions is the execution lifecycle:
// pending → running → {paused ⇄ running} → {completed | failed | cancelled}.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending: {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning: {schema.ExecutionPaused, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionPaused:  {schema.ExecutionRunning, schema.ExecutionCancelled},
}

// ValidStepTransitions is the step lifecycle. running → pending and
// retrying → pending only happen when an engine shutdown interrupts a step.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:  {schema.StepRunning, schema.StepSkipped, schema.StepFailed},
	schema.StepRunning:  {schema.StepCompleted, schema.StepFailed, schema.StepRetrying, schema.StepPending},
	schema.StepRetrying: {schema.StepRunning, schema.StepFailed, schema.StepPending},
}

// CanTransitionExecution reports whether an execution may move from one status to another.
func CanTransitionExecution(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidExecutionTransitions[from], to)
}

// CanTransitionStep reports whether a step record may move from one status to another.
func CanTransitionStep(from, to schema.StepStatus) bool {
	return slices.Contains(ValidStepTransitions[from], to)
}

// transitionExecution moves exec to the given status and stamps its
// timestamps. It returns the lifecycle event type describing the move.
func transitionExecution(exec *schema.Execution, to schema.ExecutionStatus, now time.Time) (string, error) {
	from := exec.Status
	if !CanTransitionExecution(from, to) {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	exec.Status = to
	exec.UpdatedAt = now
	if to == schema.ExecutionRunning && exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	if to.IsTerminal() {
		exec.CompletedAt = &now
	}
	return executionEventType(from, to), nil
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	}
	return ""
}

// transitionStep moves a step record to the given status. The returned event
// type is empty for moves that are not reported (back to pending).
func transitionStep(rec *schema.StepRecord, to schema.StepStatus, now time.Time) (string, error) {
	from := rec.Status
	if from == to && to == schema.StepRunning {
		return schema.EventStepStarted, nil
	}
	if !CanTransitionStep(from, to) {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(rec.StepID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	rec.Status = to
	switch to {
	case schema.StepRunning:
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		return schema.EventStepStarted, nil
	case schema.StepRetrying:
		return schema.EventStepRetrying, nil
	case schema.StepCompleted:
		rec.CompletedAt = &now
		rec.Error = nil
		return schema.EventStepCompleted, nil
	case schema.StepFailed:
		rec.CompletedAt = &now
		return schema.EventStepFailed, nil
	case schema.StepSkipped:
		rec.CompletedAt = &now
		return schema.EventStepSkipped, nil
	}
	return "", nil
}
