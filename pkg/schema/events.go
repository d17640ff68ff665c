package schema

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionTimedOut  = "execution_timed_out"

	EventStepScheduled = "step_scheduled"
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepWaiting   = "step_waiting"
	EventStepTimedOut  = "step_timed_out"

	EventCheckpointSaved = "checkpoint_saved"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"

	EventConditionEvaluated = "condition_evaluated"
	EventBranchSelected     = "branch_selected"
	EventLoopIterStarted    = "loop_iter_started"
	EventLoopIterCompleted  = "loop_iter_completed"
	EventLoopCompleted      = "loop_completed"
	EventScatterStarted     = "scatter_started"
	EventScatterGathered    = "scatter_gathered"
	EventWaitSatisfied      = "wait_satisfied"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"

	EventScheduleFired  = "schedule_fired"
	EventScheduleMissed = "schedule_missed"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusScheduled StepStatus = "scheduled"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusRetrying  StepStatus = "retrying"
)

// Terminal reports whether the step has reached a final state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}
