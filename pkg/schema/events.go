package schema

import "time"

// EventKind names an orchestration event published on the event bus.
type EventKind string

const (
	EventWorkflowCreated   EventKind = "workflow_created"
	EventWorkflowStarted   EventKind = "workflow_started"
	EventWorkflowCompleted EventKind = "workflow_completed"
	EventWorkflowFailed    EventKind = "workflow_failed"
	EventWorkflowPaused    EventKind = "workflow_paused"
	EventWorkflowResumed   EventKind = "workflow_resumed"
	EventWorkflowCancelled EventKind = "workflow_cancelled"
	EventWorkflowDeleted   EventKind = "workflow_deleted"

	EventStepStarted   EventKind = "step_started"
	EventStepCompleted EventKind = "step_completed"
	EventStepFailed    EventKind = "step_failed"
	EventStepSkipped   EventKind = "step_skipped"
	EventStepRetrying  EventKind = "step_retrying"

	EventAgentHandoff EventKind = "agent_handoff"
	EventAgentMessage EventKind = "agent_message"
)

// EventKinds lists every kind the bus accepts.
var EventKinds = []EventKind{
	EventWorkflowCreated, EventWorkflowStarted, EventWorkflowCompleted, EventWorkflowFailed,
	EventWorkflowPaused, EventWorkflowResumed, EventWorkflowCancelled, EventWorkflowDeleted,
	EventStepStarted, EventStepCompleted, EventStepFailed, EventStepSkipped, EventStepRetrying,
	EventAgentHandoff, EventAgentMessage,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// WorkflowStatus represents the persisted lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// States lists the six workflow statuses.
var States = []WorkflowStatus{
	WorkflowStatusPending,
	WorkflowStatusRunning,
	WorkflowStatusPaused,
	WorkflowStatusCompleted,
	WorkflowStatusFailed,
	WorkflowStatusCancelled,
}

// Valid reports whether s is one of States.
func (s WorkflowStatus) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are expected from s.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// ExecutionStatus is the in-memory state of an active execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Execution is a point-in-time view of one active run of a workflow.
type Execution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	UserID      string          `json:"user_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	CurrentStep int             `json:"current_step"`
	StartedAt   time.Time       `json:"started_at"`
	PausedAt    *time.Time      `json:"paused_at,omitempty"`
	ResumedAt   *time.Time      `json:"resumed_at,omitempty"`
}
