package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/events"
	"github.com/rendis/orchestra/internal/executor"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// mockStore is an in-memory store.Store for engine tests.
type mockStore struct {
	mu        sync.Mutex
	workflows map[string]*schema.Workflow
	handoffs  []*schema.Handoff
	// statuses records every UpdateWorkflowStatus call in order.
	statuses []statusUpdate
	creates  int
}

type statusUpdate struct {
	id     string
	status schema.WorkflowStatus
	patch  map[string]any
}

func newMockStore() *mockStore {
	return &mockStore{workflows: make(map[string]*schema.Workflow)}
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusPending
	}
	if wf.Metadata == nil {
		wf.Metadata = map[string]any{}
	}
	now := time.Now().UTC()
	wf.CreatedAt, wf.UpdatedAt = now, now
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id, userID string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.UserID != userID {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) GetWorkflowByID(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	cp := *wf
	cp.Metadata = maps.Clone(wf.Metadata)
	return &cp, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, userID string, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Workflow
	for _, wf := range m.workflows {
		if wf.UserID != userID || (filter.Status != nil && wf.Status != *filter.Status) {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) UpdateWorkflowStatus(_ context.Context, id string, status schema.WorkflowStatus, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	wf.Status = status
	if wf.Metadata == nil {
		wf.Metadata = map[string]any{}
	}
	maps.Copy(wf.Metadata, patch)
	m.statuses = append(m.statuses, statusUpdate{id: id, status: status, patch: patch})
	return nil
}

func (m *mockStore) DeleteWorkflow(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.UserID != userID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *mockStore) CountWorkflowsByStatus(_ context.Context, userID string) (map[schema.WorkflowStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[schema.WorkflowStatus]int{}
	for _, wf := range m.workflows {
		if wf.UserID == userID {
			out[wf.Status]++
		}
	}
	return out, nil
}

func (m *mockStore) CreateHandoff(_ context.Context, h *schema.Handoff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = uuid.New().String()
	h.Status = schema.HandoffStatusPending
	h.Timestamp = time.Now().UTC()
	cp := *h
	m.handoffs = append(m.handoffs, &cp)
	return nil
}

func (m *mockStore) ListHandoffs(_ context.Context, filter store.HandoffFilter) ([]*schema.Handoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Handoff
	for _, h := range m.handoffs {
		if filter.AgentID != "" && h.From != filter.AgentID && h.To != filter.AgentID {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (m *mockStore) UpdateHandoffStatus(context.Context, string, string) error { return nil }

func (m *mockStore) RegisterAgent(context.Context, *schema.Agent) error { return nil }
func (m *mockStore) GetAgent(_ context.Context, id string) (*schema.Agent, error) {
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %s not found", id)
}
func (m *mockStore) ListAgents(context.Context) ([]*schema.Agent, error) { return nil, nil }

func (m *mockStore) AppendEvent(context.Context, *store.Event) error { return nil }
func (m *mockStore) GetEvents(context.Context, string, int64) ([]*store.Event, error) {
	return nil, nil
}

func (m *mockStore) CreateSchedule(context.Context, *store.Schedule) error { return nil }
func (m *mockStore) GetSchedule(context.Context, string) (*store.Schedule, error) {
	return nil, nil
}
func (m *mockStore) UpdateSchedule(context.Context, string, store.ScheduleUpdate) error { return nil }
func (m *mockStore) ListSchedules(context.Context, store.ScheduleFilter) ([]*store.Schedule, error) {
	return nil, nil
}
func (m *mockStore) DeleteSchedule(context.Context, string) error { return nil }

func (m *mockStore) Migrate(context.Context) error { return nil }
func (m *mockStore) Vacuum(context.Context) error  { return nil }
func (m *mockStore) Close() error                  { return nil }

func (m *mockStore) status(id string) schema.WorkflowStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf, ok := m.workflows[id]; ok {
		return wf.Status
	}
	return ""
}

func (m *mockStore) metadata(id string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.workflows[id].Metadata)
}

func (m *mockStore) statusHistory(id string) []schema.WorkflowStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.WorkflowStatus
	for _, u := range m.statuses {
		if u.id == id {
			out = append(out, u.status)
		}
	}
	return out
}

func (m *mockStore) createCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

var _ store.Store = (*mockStore)(nil)

// mockAgents is a fixed AgentRegistry.
type mockAgents map[string]*schema.Agent

func (m mockAgents) FindByID(_ context.Context, id string) (*schema.Agent, error) {
	if a, ok := m[id]; ok {
		return a, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %s not found", id)
}

func newMockAgents(ids ...string) mockAgents {
	m := mockAgents{}
	for _, id := range ids {
		m[id] = &schema.Agent{ID: id, Name: id}
	}
	return m
}

// scriptedExecutors builds executors whose behavior is set per agent id.
type scriptedExecutors struct {
	mu      sync.Mutex
	fns     map[string]executor.Func
	tasks   []*executor.Task
	persist map[string]int
}

func newScriptedExecutors() *scriptedExecutors {
	return &scriptedExecutors{fns: map[string]executor.Func{}, persist: map[string]int{}}
}

func (s *scriptedExecutors) set(agentID string, fn executor.Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns[agentID] = fn
}

func (s *scriptedExecutors) New(agent *schema.Agent) (executor.Executor, error) {
	return &scriptedExecutor{owner: s, agentID: agent.ID}, nil
}

func (s *scriptedExecutors) recorded() []*executor.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*executor.Task(nil), s.tasks...)
}

func (s *scriptedExecutors) persisted(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist[agentID]
}

type scriptedExecutor struct {
	owner   *scriptedExecutors
	agentID string
}

func (e *scriptedExecutor) Execute(ctx context.Context, task *executor.Task) (any, error) {
	e.owner.mu.Lock()
	e.owner.tasks = append(e.owner.tasks, task)
	fn := e.owner.fns[e.agentID]
	e.owner.mu.Unlock()
	if fn == nil {
		return map[string]any{"agent": e.agentID, "input": task.Input}, nil
	}
	return fn(ctx, task)
}

func (e *scriptedExecutor) PersistMemory(context.Context) error {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	e.owner.persist[e.agentID]++
	return nil
}

// eventLog collects every event the bus emits.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handler(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) kinds() []schema.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schema.EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) count(kind schema.EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type testEnv struct {
	orch   *Orchestrator
	store  *mockStore
	execs  *scriptedExecutors
	events *eventLog
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestEnv(t *testing.T, cfg Config, agentIDs ...string) *testEnv {
	t.Helper()
	if len(agentIDs) == 0 {
		agentIDs = []string{"a1", "a2", "a3"}
	}
	env := &testEnv{
		store:  newMockStore(),
		execs:  newScriptedExecutors(),
		events: &eventLog{},
	}
	bus := events.NewBus(discardLogger())
	bus.OnAll(env.events.handler)

	orch, err := New(Deps{
		Store:     env.store,
		Agents:    newMockAgents(agentIDs...),
		Executors: env.execs,
		Bus:       bus,
		Logger:    discardLogger(),
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(orch.Shutdown)
	env.orch = orch
	return env
}

// createWorkflow persists a workflow with one step per agent in agents.
func (env *testEnv) createWorkflow(t *testing.T, steps ...schema.Step) *schema.Workflow {
	t.Helper()
	seen := map[string]bool{}
	var agents []string
	for _, s := range steps {
		if !seen[s.AgentID] {
			seen[s.AgentID] = true
			agents = append(agents, s.AgentID)
		}
	}
	wf, err := env.orch.CreateWorkflow(context.Background(), "user-1", &schema.Workflow{
		Name:   fmt.Sprintf("wf-%d", len(steps)),
		Agents: agents,
		Steps:  steps,
	})
	require.NoError(t, err)
	return wf
}

func optional() *bool {
	f := false
	return &f
}

// blockingFunc returns an executor that signals started and waits for release.
func blockingFunc(started chan<- string, release <-chan struct{}) executor.Func {
	return func(ctx context.Context, task *executor.Task) (any, error) {
		started <- task.Description
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
