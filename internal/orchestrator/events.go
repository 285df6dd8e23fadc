package orchestrator

import "time"

// Event type constants identify the lifecycle milestone an Event reports.
// String values are used so events round-trip cleanly through JSON logs.
const (
	// EventWorkflowStarted is emitted when a new workflow begins running.
	EventWorkflowStarted = "workflow_started"

	// EventWorkflowResumed is emitted when a paused or interrupted workflow
	// continues.
	EventWorkflowResumed = "workflow_resumed"

	// EventWorkflowCompleted is emitted when a workflow reaches COMPLETED.
	EventWorkflowCompleted = "workflow_completed"

	// EventWorkflowFailed is emitted when a workflow reaches FAILED.
	EventWorkflowFailed = "workflow_failed"

	// EventWorkflowPaused is emitted when a run stops at a wave boundary
	// because the workflow was paused.
	EventWorkflowPaused = "workflow_paused"

	// EventWorkflowCancelled is emitted when a run stops because the
	// workflow was cancelled.
	EventWorkflowCancelled = "workflow_cancelled"

	// EventStepStarted is emitted when a step is dispatched.
	EventStepStarted = "step_started"

	// EventStepCompleted is emitted when a step result is recorded as
	// COMPLETED.
	EventStepCompleted = "step_completed"

	// EventStepFailed is emitted when a step result is recorded as FAILED.
	EventStepFailed = "step_failed"

	// EventStepSkipped is emitted when a step result is recorded as SKIPPED.
	EventStepSkipped = "step_skipped"

	// EventStepRetrying is emitted when a failed attempt is recorded as
	// RETRYING, before the backoff.
	EventStepRetrying = "step_retrying"

	// EventDelegated is emitted when a group of steps is handed to the
	// choreographer.
	EventDelegated = "sub_process_initiated"

	// EventCompensated is emitted after compensation ran.
	EventCompensated = "compensated"
)

// Event is a structured message emitted by the orchestrator. Events are sent
// over a channel with a non-blocking send.
type Event struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id"`

	// Step is the step or delegate group the event concerns. Empty for
	// workflow-level events.
	Step string `json:"step,omitempty"`

	// Version is the state version the event was observed at, when known.
	Version int `json:"version,omitempty"`

	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}
