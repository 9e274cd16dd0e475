package schema

// Event type constants for the lifecycle event log.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventConditionEvaluated = "condition_evaluated"

	EventTemplateCreated     = "template_created"
	EventTemplateUpdated     = "template_updated"
	EventTemplateActivated   = "template_activated"
	EventTemplateDeactivated = "template_deactivated"

	EventTriggerMatched = "trigger_matched"
	EventTriggerError   = "trigger_error"
)
