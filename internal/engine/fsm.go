package engine

import (
	"context"

	"github.com/rendis/orchestra/internal/events"
	"github.com/rendis/orchestra/pkg/schema"
)

// ExecutionFSM validates in-memory execution transitions (pause, resume,
// cancel) and publishes the matching workflow event.
type ExecutionFSM struct {
	publisher events.Publisher
}

// NewExecutionFSM creates an ExecutionFSM that emits events via publisher.
func NewExecutionFSM(publisher events.Publisher) *ExecutionFSM {
	return &ExecutionFSM{publisher: publisher}
}

// Validate reports whether from -> to is allowed, without side effects.
func (f *ExecutionFSM) Validate(executionID string, from, to schema.ExecutionStatus) error {
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return nil
}

// Transition emits the event for a transition the caller has already
// validated, applied and persisted.
func (f *ExecutionFSM) Transition(ctx context.Context, workflowID, executionID string, from, to schema.ExecutionStatus) error {
	if err := f.Validate(executionID, from, to); err != nil {
		return err
	}
	if kind := executionEventKind(from, to); kind != "" && f.publisher != nil {
		f.publisher.Emit(ctx, events.Event{
			Kind:        kind,
			WorkflowID:  workflowID,
			ExecutionID: executionID,
			Payload:     map[string]any{"from": string(from), "to": string(to)},
		})
	}
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventKind(from, to schema.ExecutionStatus) schema.EventKind {
	switch to {
	case schema.ExecutionPaused:
		return schema.EventWorkflowPaused
	case schema.ExecutionCancelled:
		return schema.EventWorkflowCancelled
	case schema.ExecutionRunning:
		if from == schema.ExecutionPaused {
			return schema.EventWorkflowResumed
		}
	}
	return ""
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed in-memory execution transitions.
// Paused is a substate of running; cancelled is terminal.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning:   {schema.ExecutionPaused, schema.ExecutionCancelled},
	schema.ExecutionPaused:    {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionCancelled: {},
}

// ValidWorkflowTransitions defines the allowed persisted status changes made
// through UpdateWorkflowStatus. Terminal workflows may be reset or re-run.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusPaused, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusPaused:    {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {schema.WorkflowStatusPending, schema.WorkflowStatusRunning},
	schema.WorkflowStatusFailed:    {schema.WorkflowStatusPending, schema.WorkflowStatusRunning},
	schema.WorkflowStatusCancelled: {schema.WorkflowStatusPending, schema.WorkflowStatusRunning},
}

// ValidateWorkflowTransition checks a persisted status change. Setting the
// current status again is a no-op and always allowed.
func ValidateWorkflowTransition(workflowID string, from, to schema.WorkflowStatus) error {
	if !to.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow status %q", to)
	}
	if from == to {
		return nil
	}
	for _, a := range ValidWorkflowTransitions[from] {
		if a == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", from, to).
		WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
}
