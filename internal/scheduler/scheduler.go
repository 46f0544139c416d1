// Package scheduler triggers workflow executions from cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// DefaultInterval is how often the store is polled for due schedules.
const DefaultInterval = time.Minute

// Last-run statuses recorded on a schedule besides the workflow statuses.
const (
	StatusRejected = "rejected" // not started: capacity, conflict or missing workflow
	StatusError    = "error"
)

// WorkflowRunner runs a workflow to completion. Satisfied by *engine.Orchestrator.
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*engine.ExecutionResult, error)
}

// Scheduler polls the store for due schedules and executes their workflows.
type Scheduler struct {
	store    store.Store
	runner   WorkflowRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	runs       sync.WaitGroup
	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule ids currently executing
}

// New creates a Scheduler. interval <= 0 selects DefaultInterval.
func New(s store.Store, runner WorkflowRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Add validates cronExpr and stores an enabled schedule for a workflow owned
// by userID.
func (s *Scheduler) Add(ctx context.Context, workflowID, userID, cronExpr string, input map[string]any) (*store.Schedule, error) {
	if strings.TrimSpace(workflowID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	next, err := s.NextRun(cronExpr, s.now())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	wf, err := s.store.GetWorkflow(ctx, workflowID, userID)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}

	sched := &store.Schedule{
		WorkflowID:     workflowID,
		UserID:         userID,
		CronExpression: cronExpr,
		Input:          input,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.InfoContext(ctx, "schedule created",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", workflowID),
		slog.Time("next_run_at", next))
	return sched, nil
}

// Start launches the polling loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every enabled schedule whose next run is due and returns how
// many were started. Runs proceed in the background; a schedule still running
// from an earlier tick is not started twice.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "list schedules failed", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	started := 0
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		started++
		s.runs.Add(1)
		go func(sched *store.Schedule) {
			defer s.runs.Done()
			defer s.release(sched.ID)
			if err := s.run(ctx, sched, now); err != nil {
				s.logger.ErrorContext(ctx, "scheduled run bookkeeping failed",
					slog.String("schedule_id", sched.ID),
					slog.String("error", err.Error()))
			}
		}(sched)
	}
	return started
}

// Wait blocks until every run started by Tick has finished.
func (s *Scheduler) Wait() {
	s.runs.Wait()
}

// run executes the schedule's workflow and records the outcome and next run.
func (s *Scheduler) run(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.InfoContext(ctx, "running scheduled workflow",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID))

	result, err := s.runner.ExecuteWorkflow(ctx, sched.WorkflowID, sched.Input)
	status := runStatus(result, err)
	if err != nil {
		s.logger.WarnContext(ctx, "scheduled workflow did not complete",
			slog.String("schedule_id", sched.ID),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}

	next, perr := s.NextRun(sched.CronExpression, now)
	if perr != nil {
		// An unparsable expression would fire on every tick.
		disabled := false
		_ = s.store.UpdateSchedule(context.WithoutCancel(ctx), sched.ID, store.ScheduleUpdate{
			Enabled:       &disabled,
			LastRunAt:     &now,
			LastRunStatus: StatusError,
		})
		return fmt.Errorf("schedule %q: %w", sched.ID, perr)
	}
	return s.store.UpdateSchedule(context.WithoutCancel(ctx), sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func runStatus(result *engine.ExecutionResult, err error) string {
	switch {
	case result != nil:
		return string(result.Status)
	case err == nil:
		return string(schema.WorkflowStatusCompleted)
	case schema.IsCapacity(err), schema.IsNotFound(err), schema.IsValidation(err), schema.IsCode(err, schema.ErrCodeConflict):
		return StatusRejected
	default:
		return StatusError
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun returns the first activation of cronExpr after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// Stop ends the polling loop and waits for in-flight runs, whose contexts
// are cancelled.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.runs.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
