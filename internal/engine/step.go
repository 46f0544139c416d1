package engine

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/rendis/orchestra/internal/events"
	"github.com/rendis/orchestra/internal/executor"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/observability"
	"github.com/rendis/orchestra/pkg/schema"
)

// StepResult summarizes the outcome of a single step.
type StepResult struct {
	StepName   string `json:"step_name"`
	AgentID    string `json:"agent_id"`
	Success    bool   `json:"success"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Attempts   int    `json:"attempts,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`

	err error
}

// Err returns the underlying failure, if any.
func (r *StepResult) Err() error { return r.err }

func (r *StepResult) fail(err error) *StepResult {
	r.Success = false
	r.err = err
	r.Error = errorMessage(err)
	return r
}

// RunContext is the state an execution threads through its steps.
type RunContext struct {
	WorkflowID  string
	ExecutionID string
	Input       map[string]any
	// Steps holds the output of every successful step, keyed by step name.
	Steps map[string]any
	// Vars resolves {{placeholders}}: the input merged with step outputs.
	Vars     map[string]any
	Workflow map[string]any
}

// NewRunContext seeds a context from the caller-supplied input.
func NewRunContext(wf *schema.Workflow, executionID string, input map[string]any) *RunContext {
	if input == nil {
		input = map[string]any{}
	}
	return &RunContext{
		WorkflowID:  wf.ID,
		ExecutionID: executionID,
		Input:       input,
		Steps:       map[string]any{},
		Vars:        maps.Clone(input),
		Workflow: map[string]any{
			"id":       wf.ID,
			"name":     wf.Name,
			"settings": wf.Settings,
		},
	}
}

// Record stores a step output so later steps can reference it by name.
func (rc *RunContext) Record(stepName string, output any) {
	rc.Steps[stepName] = output
	rc.Vars[stepName] = output
}

func (rc *RunContext) conditionData() map[string]any {
	return map[string]any{
		"input":    rc.Input,
		"steps":    rc.Steps,
		"context":  rc.Vars,
		"workflow": rc.Workflow,
	}
}

// PrepareInput resolves {{ name }} tokens in the step's string inputs against
// vars. Nested maps and slices are walked; non-string values pass through.
func PrepareInput(step schema.Step, vars map[string]any) map[string]any {
	out := make(map[string]any, len(step.Input))
	for k, v := range step.Input {
		out[k] = resolveValue(v, vars)
	}
	return out
}

func resolveValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		return expressions.Interpolate(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = resolveValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// StepEngine dispatches single steps to pooled agents.
type StepEngine struct {
	pool      *AgentPool
	cel       *expressions.CELEngine
	jq        *expressions.GoJQEngine
	breakers  *CircuitBreakerRegistry
	retry     *schema.RetryPolicy // applied to steps without their own policy
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// ExecuteStep runs step against its pooled agent and never returns an error:
// failures are reported in the result so the caller can apply the step's
// required flag.
func (s *StepEngine) ExecuteStep(ctx context.Context, step schema.Step, rc *RunContext) *StepResult {
	start := time.Now()
	res := &StepResult{StepName: step.Name, AgentID: step.AgentID}
	ctx = logging.WithAgentID(logging.WithStep(ctx, step.Name), step.AgentID)
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
		if !res.Skipped {
			s.metrics.StepFinished(ctx, step.AgentID, res.Success, time.Since(start))
		}
	}()

	if step.When != "" && s.cel != nil {
		ok, err := s.cel.EvaluateBool(ctx, step.When, rc.conditionData())
		if err != nil {
			return res.fail(err)
		}
		if !ok {
			res.Success = true
			res.Skipped = true
			s.emit(ctx, schema.EventStepSkipped, step, rc, map[string]any{"when": step.When})
			return res
		}
	}

	if !s.pool.Has(step.AgentID) {
		return res.fail(agentNotFound(step.AgentID))
	}
	if err := s.breakers.AllowRequest(step.AgentID); err != nil {
		return res.fail(err)
	}

	input := PrepareInput(step, rc.Vars)
	task := executor.NewTask(step.AgentID, step.TaskDescription(), input)
	s.emit(ctx, schema.EventStepStarted, step, rc, map[string]any{"task_id": task.ID})

	out, err := s.dispatch(ctx, step, rc, task, res)
	if err != nil {
		s.emit(ctx, schema.EventStepFailed, step, rc, map[string]any{"error": errorMessage(err), "attempts": res.Attempts})
		return res.fail(err)
	}

	if step.Select != "" && s.jq != nil {
		out, err = s.jq.Select(ctx, step.Select, out)
		if err != nil {
			s.emit(ctx, schema.EventStepFailed, step, rc, map[string]any{"error": errorMessage(err)})
			return res.fail(err)
		}
	}

	res.Success = true
	res.Output = out
	s.emit(ctx, schema.EventStepCompleted, step, rc, map[string]any{"attempts": res.Attempts})
	return res
}

// dispatch sends task to the agent, re-dispatching per the step's retry policy.
func (s *StepEngine) dispatch(ctx context.Context, step schema.Step, rc *RunContext, task *executor.Task, res *StepResult) (any, error) {
	policy := step.Retry
	if policy == nil {
		policy = s.retry
	}
	maxRetries := 0
	if policy != nil {
		maxRetries = policy.Max
	}

	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		out, err := s.pool.Dispatch(ctx, step.AgentID, task)
		if err == nil {
			s.breakers.RecordSuccess(step.AgentID)
			return out, nil
		}
		s.breakers.RecordFailure(step.AgentID)

		if attempt >= maxRetries || ctx.Err() != nil || !IsRetryableError(err) {
			return nil, err
		}

		delay := ComputeBackoff(policy, attempt)
		s.logger.WarnContext(ctx, "step attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		s.metrics.StepRetried(ctx, step.AgentID)
		s.emit(ctx, schema.EventStepRetrying, step, rc, map[string]any{"attempt": attempt + 1, "error": errorMessage(err)})

		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return nil, err
		}
		if aerr := s.breakers.AllowRequest(step.AgentID); aerr != nil {
			return nil, aerr
		}
	}
}

func (s *StepEngine) emit(ctx context.Context, kind schema.EventKind, step schema.Step, rc *RunContext, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Emit(ctx, events.Event{
		Kind:        kind,
		WorkflowID:  rc.WorkflowID,
		ExecutionID: rc.ExecutionID,
		StepName:    step.Name,
		AgentID:     step.AgentID,
		Payload:     payload,
	})
}

// errorMessage prefers the bare message of an OrchestraError over its coded form.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	if oe, ok := err.(*schema.OrchestraError); ok {
		return oe.Message
	}
	return err.Error()
}

func stepFailure(step schema.Step, res *StepResult) error {
	err := schema.NewError(schema.ErrCodeStepFailed, res.Error).WithStep(step.Name)
	if res.err != nil {
		err = err.WithCause(res.err)
	}
	return err
}
