package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/pkg/schema"
)

// execution is the in-memory record of one active run.
//
// Lifecycle operations persist the workflow status while holding mu, and the
// run loop takes mu before its final write, so persisted statuses are ordered.
type execution struct {
	id         string
	workflowID string
	userID     string
	startedAt  time.Time
	cancel     context.CancelFunc

	mu          sync.Mutex
	status      schema.ExecutionStatus
	currentStep int
	pausedAt    *time.Time
	resumedAt   *time.Time
	wake        chan struct{} // closed on resume or cancel
	done        bool          // run has reached its final write
}

func newExecution(id string, wf *schema.Workflow, cancel context.CancelFunc) *execution {
	return &execution{
		id:         id,
		workflowID: wf.ID,
		userID:     wf.UserID,
		startedAt:  time.Now().UTC(),
		cancel:     cancel,
		status:     schema.ExecutionRunning,
	}
}

func (e *execution) snapshot() schema.Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return schema.Execution{
		ID:          e.id,
		WorkflowID:  e.workflowID,
		UserID:      e.userID,
		Status:      e.status,
		CurrentStep: e.currentStep,
		StartedAt:   e.startedAt,
		PausedAt:    e.pausedAt,
		ResumedAt:   e.resumedAt,
	}
}

func (e *execution) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == schema.ExecutionCancelled
}

// checkpoint is called before step i is dispatched. It blocks while the
// execution is paused and fails once it is cancelled or ctx is done.
func (e *execution) checkpoint(ctx context.Context, step int) error {
	for {
		e.mu.Lock()
		switch e.status {
		case schema.ExecutionCancelled:
			e.mu.Unlock()
			return cancelledError(e)
		case schema.ExecutionPaused:
			wake := e.wake
			e.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return interruptedError(e, ctx.Err())
			}
		default:
			e.currentStep = step
			e.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return interruptedError(e, err)
			}
			return nil
		}
	}
}

// finish marks the run as past its last lifecycle boundary. It reports false
// when the execution was cancelled first; the caller must not persist then.
func (e *execution) finish() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == schema.ExecutionCancelled {
		return false
	}
	e.done = true
	return true
}

func cancelledError(e *execution) error {
	return schema.NewErrorf(schema.ErrCodeCancelled, "execution %s was cancelled", e.id).
		WithDetails(map[string]any{"execution_id": e.id, "workflow_id": e.workflowID})
}

func interruptedError(e *execution, cause error) error {
	return schema.NewErrorf(schema.ErrCodeCancelled, "execution %s interrupted", e.id).
		WithDetails(map[string]any{"execution_id": e.id, "workflow_id": e.workflowID}).
		WithCause(cause)
}

func executionNotFound(executionID string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
}

// PauseWorkflow pauses an active execution. The step in progress finishes;
// the next one is not dispatched until ResumeWorkflow.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, executionID string) error {
	exec, ok := o.lookup(executionID)
	if !ok {
		return executionNotFound(executionID)
	}

	exec.mu.Lock()
	if exec.done {
		exec.mu.Unlock()
		return executionNotFound(executionID)
	}
	from := exec.status
	if err := o.fsm.Validate(executionID, from, schema.ExecutionPaused); err != nil {
		exec.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	if err := o.store.UpdateWorkflowStatus(ctx, exec.workflowID, schema.WorkflowStatusPaused, map[string]any{
		"execution_id":   exec.id,
		"paused_at_step": exec.currentStep,
		"paused_at":      now.Format(time.RFC3339Nano),
	}); err != nil {
		exec.mu.Unlock()
		return storeError("persist paused status", err)
	}
	exec.status = schema.ExecutionPaused
	exec.pausedAt = &now
	exec.wake = make(chan struct{})
	step := exec.currentStep
	exec.mu.Unlock()

	ctx = logging.WithExecution(ctx, exec.workflowID, exec.id)
	logging.LogWith(ctx, o.logger).InfoContext(ctx, "execution paused", slog.Int("step", step))
	return o.fsm.Transition(ctx, exec.workflowID, exec.id, from, schema.ExecutionPaused)
}

// ResumeWorkflow continues a paused execution from the step it paused before.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, executionID string) error {
	exec, ok := o.lookup(executionID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no paused execution found: %s", executionID)
	}

	exec.mu.Lock()
	if exec.done || exec.status != schema.ExecutionPaused {
		exec.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "no paused execution found: %s", executionID)
	}
	now := time.Now().UTC()
	if err := o.store.UpdateWorkflowStatus(ctx, exec.workflowID, schema.WorkflowStatusRunning, map[string]any{
		"execution_id": exec.id,
		"resumed_at":   now.Format(time.RFC3339Nano),
	}); err != nil {
		exec.mu.Unlock()
		return storeError("persist resumed status", err)
	}
	exec.status = schema.ExecutionRunning
	exec.resumedAt = &now
	close(exec.wake)
	exec.wake = nil
	exec.mu.Unlock()

	ctx = logging.WithExecution(ctx, exec.workflowID, exec.id)
	logging.LogWith(ctx, o.logger).InfoContext(ctx, "execution resumed")
	return o.fsm.Transition(ctx, exec.workflowID, exec.id, schema.ExecutionPaused, schema.ExecutionRunning)
}

// CancelWorkflow stops a running or paused execution. It is removed from the
// active table at once and its context cancelled; an agent call already in
// flight is abandoned, not awaited.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, executionID string) error {
	exec, ok := o.lookup(executionID)
	if !ok {
		return executionNotFound(executionID)
	}

	exec.mu.Lock()
	if exec.done {
		exec.mu.Unlock()
		return executionNotFound(executionID)
	}
	from := exec.status
	if err := o.fsm.Validate(executionID, from, schema.ExecutionCancelled); err != nil {
		exec.mu.Unlock()
		return err
	}
	if err := o.store.UpdateWorkflowStatus(ctx, exec.workflowID, schema.WorkflowStatusCancelled, map[string]any{
		"execution_id":      exec.id,
		"cancelled_at_step": exec.currentStep,
		"cancelled_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		exec.mu.Unlock()
		return storeError("persist cancelled status", err)
	}
	exec.status = schema.ExecutionCancelled
	if exec.wake != nil {
		close(exec.wake)
		exec.wake = nil
	}
	step := exec.currentStep
	exec.mu.Unlock()

	o.unregister(exec)

	ctx = logging.WithExecution(ctx, exec.workflowID, exec.id)
	logging.LogWith(ctx, o.logger).InfoContext(ctx, "execution cancelled", slog.Int("step", step))
	return o.fsm.Transition(ctx, exec.workflowID, exec.id, from, schema.ExecutionCancelled)
}
