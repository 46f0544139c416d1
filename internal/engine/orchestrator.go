package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/events"
	"github.com/rendis/orchestra/internal/executor"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/observability"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/validation"
	"github.com/rendis/orchestra/pkg/schema"
)

// ErrCapacityMessage is the message of the CAPACITY_EXCEEDED error.
const ErrCapacityMessage = "Maximum concurrent workflows reached"

// TemplateRegistry returns canned workflow definitions; (nil, nil) when unknown.
type TemplateRegistry interface {
	GetWorkflowTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
}

// Config holds orchestrator configuration.
type Config struct {
	// MaxConcurrent is the ceiling on active executions. Defaults to
	// schema.DefaultConfig.MaxConcurrentAgents.
	MaxConcurrent int
	// RetryPolicy applies to steps that declare no retry policy. nil = no retries.
	RetryPolicy    *schema.RetryPolicy
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
}

// Deps are the orchestrator's collaborators. Store, Agents and Executors are
// required; the rest default when nil.
type Deps struct {
	Store     store.Store
	Agents    AgentRegistry
	Templates TemplateRegistry
	Executors executor.Factory
	Validator validation.Validator
	Bus       *events.Bus
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// ExecutionResult is returned by ExecuteWorkflow.
type ExecutionResult struct {
	Success     bool                  `json:"success"`
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      schema.WorkflowStatus `json:"status"`
	Results     []*StepResult         `json:"results"`
	Summary     any                   `json:"summary,omitempty"`
	DurationMs  int64                 `json:"duration_ms"`
}

// TemplateOverrides customizes a workflow created from a template.
type TemplateOverrides struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// Orchestrator creates, runs and controls multi-agent workflows. It owns the
// active-execution table, the agent pool and the message queue.
type Orchestrator struct {
	store     store.Store
	templates TemplateRegistry
	validator validation.Validator
	bus       *events.Bus
	metrics   *observability.Metrics
	logger    *slog.Logger
	cfg       Config

	pool    *AgentPool
	steps   *StepEngine
	fsm     *ExecutionFSM
	workers *WorkerPool
	summary *expressions.ExprEngine

	mu     sync.Mutex
	active map[string]*execution

	mailbox mailbox
}

// New builds an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Agents == nil:
		return nil, errors.New("orchestrator: agent registry is required")
	case deps.Executors == nil:
		return nil, errors.New("orchestrator: executor factory is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = schema.DefaultConfig.MaxConcurrentAgents
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	jq := expressions.NewGoJQEngine()

	validator := deps.Validator
	if validator == nil {
		wv, err := validation.NewWorkflowValidator(cel, jq)
		if err != nil {
			return nil, err
		}
		validator = wv
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	pool := NewAgentPool(deps.Agents, deps.Executors, deps.Metrics, logger)
	return &Orchestrator{
		store:     deps.Store,
		templates: deps.Templates,
		validator: validator,
		bus:       bus,
		metrics:   deps.Metrics,
		logger:    logger,
		cfg:       cfg,
		pool:      pool,
		steps: &StepEngine{
			pool:      pool,
			cel:       cel,
			jq:        jq,
			breakers:  NewCircuitBreakerRegistry(cbConfig),
			retry:     cfg.RetryPolicy,
			publisher: bus,
			metrics:   deps.Metrics,
			logger:    logger,
		},
		fsm:     NewExecutionFSM(bus),
		workers: NewWorkerPool(cfg.MaxConcurrent, logger),
		summary: expressions.NewExprEngine(),
		active:  make(map[string]*execution),
	}, nil
}

// Pool exposes the agent pool for inspection.
func (o *Orchestrator) Pool() *AgentPool { return o.pool }

// --- Events ---

// On registers an event handler; the returned function unregisters it.
func (o *Orchestrator) On(kind schema.EventKind, h events.Handler) func() {
	return o.bus.On(kind, h)
}

// Emit publishes e synchronously to registered handlers.
func (o *Orchestrator) Emit(ctx context.Context, e events.Event) {
	o.bus.Emit(ctx, e)
}

// --- Workflow CRUD ---

// CreateWorkflow validates and persists a new workflow owned by userID.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, userID string, data *schema.Workflow) (*schema.Workflow, error) {
	if data == nil || strings.TrimSpace(data.Name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	wf := *data
	wf.UserID = userID
	wf.Status = schema.WorkflowStatusPending

	if err := o.validator.ValidateWorkflow(&wf); err != nil {
		return nil, err
	}
	if err := o.store.CreateWorkflow(ctx, &wf); err != nil {
		return nil, storeError("create workflow", err)
	}

	o.bus.Emit(ctx, events.Event{
		Kind:       schema.EventWorkflowCreated,
		WorkflowID: wf.ID,
		Payload:    map[string]any{"name": wf.Name, "user_id": userID},
	})
	return &wf, nil
}

// GetWorkflow returns the workflow, or nil when absent or owned by another user.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id, userID string) (*schema.Workflow, error) {
	wf, err := o.store.GetWorkflow(ctx, id, userID)
	if err != nil {
		return nil, storeError("get workflow", err)
	}
	return wf, nil
}

// GetWorkflows lists a user's workflows, newest first.
func (o *Orchestrator) GetWorkflows(ctx context.Context, userID string, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	list, err := o.store.ListWorkflows(ctx, userID, filter)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	return list, nil
}

// UpdateWorkflowStatus sets a workflow's persisted status, merging
// metadataPatch into its metadata.
func (o *Orchestrator) UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus, metadataPatch map[string]any) error {
	wf, err := o.store.GetWorkflowByID(ctx, id)
	if err != nil {
		return storeError("get workflow", err)
	}
	if err := ValidateWorkflowTransition(id, wf.Status, status); err != nil {
		return err
	}
	return storeError("update workflow status", o.store.UpdateWorkflowStatus(ctx, id, status, metadataPatch))
}

// DeleteWorkflow removes a workflow owned by userID. Workflows with an active
// execution cannot be deleted.
func (o *Orchestrator) DeleteWorkflow(ctx context.Context, id, userID string) error {
	if n := o.activeFor(id); n > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s has %d active execution(s)", id, n)
	}
	if err := o.store.DeleteWorkflow(ctx, id, userID); err != nil {
		return storeError("delete workflow", err)
	}
	o.bus.Emit(ctx, events.Event{Kind: schema.EventWorkflowDeleted, WorkflowID: id})
	return nil
}

// CreateFromTemplate instantiates a registered template as a new workflow.
func (o *Orchestrator) CreateFromTemplate(ctx context.Context, templateID, userID string, overrides *TemplateOverrides) (*schema.Workflow, error) {
	if strings.TrimSpace(templateID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "template id is required")
	}
	if o.templates == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", templateID)
	}
	tpl, err := o.templates.GetWorkflowTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", templateID)
	}

	wf := &schema.Workflow{
		Name:        tpl.Name,
		Description: tpl.Description,
		Agents:      tpl.Agents,
		Steps:       tpl.Steps,
		Settings:    tpl.Settings,
		Metadata:    map[string]any{"template_id": templateID},
	}
	if overrides != nil {
		if overrides.Name != "" {
			wf.Name = overrides.Name
		}
		if overrides.Description != "" {
			wf.Description = overrides.Description
		}
		if len(overrides.Settings) > 0 {
			settings := make(map[string]any, len(wf.Settings)+len(overrides.Settings))
			for k, v := range wf.Settings {
				settings[k] = v
			}
			for k, v := range overrides.Settings {
				settings[k] = v
			}
			wf.Settings = settings
		}
	}
	return o.CreateWorkflow(ctx, userID, wf)
}

// GetWorkflowStats counts a user's workflows by status plus their active
// executions. Both counts are scoped to userID exactly.
func (o *Orchestrator) GetWorkflowStats(ctx context.Context, userID string) (*schema.WorkflowStats, error) {
	counts, err := o.store.CountWorkflowsByStatus(ctx, userID)
	if err != nil {
		return nil, storeError("count workflows", err)
	}
	stats := &schema.WorkflowStats{ByStatus: make(map[schema.WorkflowStatus]int, len(schema.States))}
	for _, s := range schema.States {
		stats.ByStatus[s] = counts[s]
		stats.Total += counts[s]
	}
	for _, e := range o.GetActiveExecutions() {
		if e.UserID == userID {
			stats.Active++
		}
	}
	return stats, nil
}

// --- Execution ---

// ExecuteWorkflow runs a workflow to completion on the caller's goroutine.
//
// Steps run in order. A failed required step aborts the run: the workflow is
// persisted as failed and the step's error returned together with the partial
// result. Failed optional steps are recorded and skipped over. A cancelled run
// returns a CANCELLED error.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*ExecutionResult, error) {
	wf, err := o.prepare(ctx, workflowID, input)
	if err != nil {
		return nil, err
	}
	exec, runCtx, err := o.register(ctx, wf)
	if err != nil {
		return nil, err
	}
	return o.run(runCtx, wf, exec, input)
}

// StartWorkflow registers an execution synchronously and runs it in the
// background. NOT_FOUND and CAPACITY_EXCEEDED are reported as for
// ExecuteWorkflow; the outcome is observable through events and the store.
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	wf, err := o.prepare(ctx, workflowID, input)
	if err != nil {
		return "", err
	}
	exec, runCtx, err := o.register(context.WithoutCancel(ctx), wf)
	if err != nil {
		return "", err
	}

	err = o.workers.Submit(runCtx, func(ctx context.Context) error {
		_, err := o.run(ctx, wf, exec, input)
		return err
	})
	if err != nil {
		o.unregister(exec)
		return "", err
	}
	return exec.id, nil
}

// GetActiveExecutions returns snapshots of in-flight executions, oldest first.
func (o *Orchestrator) GetActiveExecutions() []schema.Execution {
	o.mu.Lock()
	list := make([]*execution, 0, len(o.active))
	for _, e := range o.active {
		list = append(list, e)
	}
	o.mu.Unlock()

	out := make([]schema.Execution, 0, len(list))
	for _, e := range list {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown stops accepting background runs and waits for those in flight.
func (o *Orchestrator) Shutdown() {
	o.workers.Shutdown()
}

// prepare loads the workflow and validates input against settings.inputSchema.
func (o *Orchestrator) prepare(ctx context.Context, workflowID string, input map[string]any) (*schema.Workflow, error) {
	wf, err := o.store.GetWorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, storeError("load workflow", err)
	}
	if raw, ok := wf.Settings[schema.SettingInputSchema]; ok && raw != nil {
		sch, err := validation.SchemaBytes(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
		}
		if err := o.validator.ValidateInput(input, sch); err != nil {
			return nil, err
		}
	}
	return wf, nil
}

// register enforces the concurrency ceiling and single-flight setting and adds
// the execution to the active table in one critical section.
func (o *Orchestrator) register(ctx context.Context, wf *schema.Workflow) (*execution, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.active) >= o.cfg.MaxConcurrent {
		o.metrics.CapacityRejected(ctx)
		return nil, nil, schema.NewError(schema.ErrCodeCapacity, ErrCapacityMessage).
			WithDetails(map[string]any{"max_concurrent": o.cfg.MaxConcurrent})
	}
	if single, _ := wf.Settings[schema.SettingSingleFlight].(bool); single {
		for _, e := range o.active {
			if e.workflowID == wf.ID {
				return nil, nil, schema.NewErrorf(schema.ErrCodeConflict,
					"workflow %s is already running (execution %s)", wf.ID, e.id)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	exec := newExecution(uuid.New().String(), wf, cancel)
	o.active[exec.id] = exec
	return exec, logging.WithExecution(runCtx, wf.ID, exec.id), nil
}

// unregister removes exec from the active table and releases its context.
func (o *Orchestrator) unregister(exec *execution) {
	o.mu.Lock()
	delete(o.active, exec.id)
	o.mu.Unlock()
	exec.cancel()
}

func (o *Orchestrator) lookup(executionID string) (*execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.active[executionID]
	return e, ok
}

func (o *Orchestrator) activeFor(workflowID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.active {
		if e.workflowID == workflowID {
			n++
		}
	}
	return n
}

// run drives the steps of a registered execution. The agent pool is released
// and the execution unregistered on every exit path.
func (o *Orchestrator) run(ctx context.Context, wf *schema.Workflow, exec *execution, input map[string]any) (*ExecutionResult, error) {
	start := time.Now()
	logger := logging.LogWith(ctx, o.logger)
	result := &ExecutionResult{
		ExecutionID: exec.id,
		WorkflowID:  wf.ID,
		Status:      schema.WorkflowStatusRunning,
		Results:     []*StepResult{},
	}
	o.metrics.ExecutionStarted(ctx)
	defer func() {
		o.unregister(exec)
		result.DurationMs = time.Since(start).Milliseconds()
		o.metrics.ExecutionFinished(context.WithoutCancel(ctx), string(result.Status), time.Since(start))
	}()

	if err := o.markRunning(ctx, wf, exec); err != nil {
		result.Status = schema.WorkflowStatusFailed
		return nil, storeError("mark workflow running", err)
	}
	logger.InfoContext(ctx, "workflow execution started", slog.Int("steps", len(wf.Steps)))
	o.bus.Emit(ctx, events.Event{
		Kind:        schema.EventWorkflowStarted,
		WorkflowID:  wf.ID,
		ExecutionID: exec.id,
		Payload:     map[string]any{"input": input},
	})

	acquired := o.pool.Initialize(ctx, wf.Agents)
	defer o.pool.Cleanup(context.WithoutCancel(ctx), acquired)

	rc := NewRunContext(wf, exec.id, input)
	for i, step := range wf.Steps {
		if err := exec.checkpoint(ctx, i); err != nil {
			return result, o.abort(ctx, wf, exec, result, i, err)
		}

		res := o.steps.ExecuteStep(ctx, step, rc)
		result.Results = append(result.Results, res)

		if exec.isCancelled() || ctx.Err() != nil {
			return result, o.abort(ctx, wf, exec, result, i, interruptedError(exec, ctx.Err()))
		}

		switch handleStepFailure(ctx, logger, step, res) {
		case OutcomeFatal:
			return result, o.abort(ctx, wf, exec, result, i, stepFailure(step, res))
		case OutcomeSuccess:
			if !res.Skipped {
				rc.Record(step.Name, res.Output)
			}
		}
	}

	// A pause requested during the last step holds completion until resume.
	if err := exec.checkpoint(ctx, len(wf.Steps)); err != nil {
		return result, o.abort(ctx, wf, exec, result, len(wf.Steps), err)
	}
	if !exec.finish() {
		result.Status = schema.WorkflowStatusCancelled
		return result, cancelledError(exec)
	}

	result.Summary = o.evaluateSummary(ctx, wf, rc, result.Results)
	meta := map[string]any{
		"execution_id": exec.id,
		"duration_ms":  time.Since(start).Milliseconds(),
	}
	if result.Summary != nil {
		meta["summary"] = result.Summary
	}
	if err := o.store.UpdateWorkflowStatus(context.WithoutCancel(ctx), wf.ID, schema.WorkflowStatusCompleted, meta); err != nil {
		result.Status = schema.WorkflowStatusFailed
		if ferr := o.store.UpdateWorkflowStatus(context.WithoutCancel(ctx), wf.ID, schema.WorkflowStatusFailed, map[string]any{
			"execution_id": exec.id,
			"error":        err.Error(),
		}); ferr != nil {
			logger.ErrorContext(ctx, "persist failed status", slog.String("error", ferr.Error()))
		}
		return result, storeError("mark workflow completed", err)
	}

	result.Success = true
	result.Status = schema.WorkflowStatusCompleted
	logger.InfoContext(ctx, "workflow execution completed", slog.Duration("duration", time.Since(start)))
	o.bus.Emit(ctx, events.Event{
		Kind:        schema.EventWorkflowCompleted,
		WorkflowID:  wf.ID,
		ExecutionID: exec.id,
		Payload:     map[string]any{"steps": len(result.Results), "summary": result.Summary},
	})
	return result, nil
}

// markRunning persists the start of exec. A pause or cancel that landed
// between registration and this point has already been persisted and wins.
func (o *Orchestrator) markRunning(ctx context.Context, wf *schema.Workflow, exec *execution) error {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.status != schema.ExecutionRunning {
		return nil
	}
	return o.store.UpdateWorkflowStatus(ctx, wf.ID, schema.WorkflowStatusRunning, map[string]any{
		"execution_id": exec.id,
		"started_at":   exec.startedAt.Format(time.RFC3339Nano),
	})
}

// abort ends a run early and returns the error for the caller. A run already
// cancelled through CancelWorkflow has been persisted there. A run whose
// context was cancelled is persisted as cancelled; anything else as failed.
func (o *Orchestrator) abort(ctx context.Context, wf *schema.Workflow, exec *execution, result *ExecutionResult, step int, cause error) error {
	if !exec.finish() {
		result.Status = schema.WorkflowStatusCancelled
		return cancelledError(exec)
	}

	persistCtx := context.WithoutCancel(ctx)
	if schema.IsCancelled(cause) {
		result.Status = schema.WorkflowStatusCancelled
		if err := o.store.UpdateWorkflowStatus(persistCtx, wf.ID, schema.WorkflowStatusCancelled, map[string]any{
			"execution_id":      exec.id,
			"cancelled_at_step": step,
		}); err != nil {
			o.logger.ErrorContext(ctx, "persist cancelled status", slog.String("error", err.Error()))
		}
		o.bus.Emit(persistCtx, events.Event{
			Kind:        schema.EventWorkflowCancelled,
			WorkflowID:  wf.ID,
			ExecutionID: exec.id,
			Payload:     map[string]any{"step": step, "reason": errorMessage(cause)},
		})
		return cause
	}

	result.Status = schema.WorkflowStatusFailed
	if err := o.store.UpdateWorkflowStatus(persistCtx, wf.ID, schema.WorkflowStatusFailed, map[string]any{
		"execution_id": exec.id,
		"failed_step":  step,
		"error":        errorMessage(cause),
	}); err != nil {
		o.logger.ErrorContext(ctx, "persist failed status", slog.String("error", err.Error()))
	}
	o.bus.Emit(persistCtx, events.Event{
		Kind:        schema.EventWorkflowFailed,
		WorkflowID:  wf.ID,
		ExecutionID: exec.id,
		Payload:     map[string]any{"failed_step": step, "error": errorMessage(cause)},
	})
	return cause
}

// evaluateSummary runs the settings.summary expression over the results. A
// failing summary is logged and does not fail the run.
func (o *Orchestrator) evaluateSummary(ctx context.Context, wf *schema.Workflow, rc *RunContext, results []*StepResult) any {
	expr, _ := wf.Settings[schema.SettingSummary].(string)
	if expr == "" {
		return nil
	}
	rows := make([]any, len(results))
	for i, r := range results {
		rows[i] = map[string]any{
			"step_name":   r.StepName,
			"agent_id":    r.AgentID,
			"success":     r.Success,
			"skipped":     r.Skipped,
			"output":      r.Output,
			"error":       r.Error,
			"duration_ms": r.DurationMs,
			"attempts":    r.Attempts,
		}
	}
	out, err := o.summary.Evaluate(ctx, expr, map[string]any{
		"results": rows,
		"input":   rc.Input,
		"steps":   rc.Steps,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "summary expression failed", slog.String("error", err.Error()))
		return nil
	}
	return out
}

// storeError passes OrchestraErrors through and wraps anything else as STORE_ERROR.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *schema.OrchestraError
	if errors.As(err, &oe) {
		return err
	}
	return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("%s: %s", op, err.Error())).WithCause(err)
}
