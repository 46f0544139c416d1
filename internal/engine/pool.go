package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/orchestra/internal/executor"
	"github.com/rendis/orchestra/internal/observability"
	"github.com/rendis/orchestra/pkg/schema"
)

// AgentStatus is the availability of a pooled agent.
type AgentStatus string

const (
	AgentReady AgentStatus = "ready"
	AgentBusy  AgentStatus = "busy"
)

// AgentRegistry resolves agent ids to their configuration. A NOT_FOUND error
// means the agent does not exist.
type AgentRegistry interface {
	FindByID(ctx context.Context, id string) (*schema.Agent, error)
}

// PoolEntry is a snapshot of one pooled agent.
type PoolEntry struct {
	Agent    *schema.Agent `json:"agent"`
	Status   AgentStatus   `json:"status"`
	Refs     int           `json:"refs"`
	InFlight int           `json:"in_flight"`
}

type poolEntry struct {
	agent    *schema.Agent
	exec     executor.Executor
	refs     int
	inFlight int
}

func (e *poolEntry) status() AgentStatus {
	if e.inFlight > 0 {
		return AgentBusy
	}
	return AgentReady
}

// AgentPool lazily builds one executor per agent and shares it between every
// execution that references the agent. Entries are reference counted: each
// Initialize takes a reference, each Cleanup drops one, and the agent is
// released (memory persisted, entry evicted) when the last reference goes.
type AgentPool struct {
	registry AgentRegistry
	factory  executor.Factory
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewAgentPool creates an empty pool.
func NewAgentPool(registry AgentRegistry, factory executor.Factory, metrics *observability.Metrics, logger *slog.Logger) *AgentPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentPool{
		registry: registry,
		factory:  factory,
		metrics:  metrics,
		logger:   logger,
		entries:  make(map[string]*poolEntry),
	}
}

// Initialize takes a reference on every agent in ids, building executors for
// agents not yet pooled. Agents the registry cannot resolve, or the factory
// cannot build, are logged and skipped: the failure surfaces when a step needs
// them. It returns the ids actually acquired, which must be passed to Cleanup.
func (p *AgentPool) Initialize(ctx context.Context, ids []string) []string {
	acquired := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))

	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		if p.retain(id) {
			acquired = append(acquired, id)
			continue
		}

		agent, err := p.registry.FindByID(ctx, id)
		if err != nil {
			if schema.IsNotFound(err) {
				p.logger.WarnContext(ctx, "agent not found, skipping", slog.String("agent_id", id))
			} else {
				p.logger.ErrorContext(ctx, "resolve agent failed", slog.String("agent_id", id), slog.String("error", err.Error()))
			}
			continue
		}
		exec, err := p.factory.New(agent)
		if err != nil {
			p.logger.ErrorContext(ctx, "build executor failed", slog.String("agent_id", id), slog.String("error", err.Error()))
			continue
		}

		p.mu.Lock()
		if e, ok := p.entries[id]; ok {
			// Another execution pooled it while we were resolving.
			e.refs++
		} else {
			p.entries[id] = &poolEntry{agent: agent, exec: exec, refs: 1}
			p.metrics.PoolChanged(ctx, 1)
		}
		p.mu.Unlock()
		acquired = append(acquired, id)
	}
	return acquired
}

func (p *AgentPool) retain(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if ok {
		e.refs++
	}
	return ok
}

// Cleanup drops one reference on every agent in ids. Agents whose count reaches
// zero are evicted and, if their executor supports it, asked to persist memory.
// Ids that were never initialized are ignored.
func (p *AgentPool) Cleanup(ctx context.Context, ids []string) {
	var released []*poolEntry

	p.mu.Lock()
	for _, id := range ids {
		e, ok := p.entries[id]
		if !ok {
			continue
		}
		e.refs--
		if e.refs <= 0 {
			delete(p.entries, id)
			released = append(released, e)
		}
	}
	p.mu.Unlock()

	for _, e := range released {
		p.metrics.PoolChanged(ctx, -1)
		mp, ok := e.exec.(executor.MemoryPersister)
		if !ok {
			continue
		}
		if err := mp.PersistMemory(ctx); err != nil {
			p.logger.ErrorContext(ctx, "persist agent memory failed",
				slog.String("agent_id", e.agent.ID), slog.String("error", err.Error()))
		}
	}
}

// Has reports whether id is pooled.
func (p *AgentPool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Get returns a snapshot of the pooled agent.
func (p *AgentPool) Get(id string) (PoolEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return PoolEntry{}, false
	}
	return e.snapshot(), true
}

// SetStatus marks an agent busy or ready. Busy marks nest: an agent shared by
// two executions stays busy until both dispatches have finished.
func (p *AgentPool) SetStatus(id string, status AgentStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	switch status {
	case AgentBusy:
		e.inFlight++
	case AgentReady:
		if e.inFlight > 0 {
			e.inFlight--
		}
	}
	return true
}

// Dispatch runs task on the pooled agent's executor, marking the agent busy for
// the duration. Executor panics are returned as errors.
func (p *AgentPool) Dispatch(ctx context.Context, id string, task *executor.Task) (out any, err error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		e.inFlight++
	}
	p.mu.Unlock()
	if !ok {
		return nil, agentNotFound(id)
	}
	defer p.SetStatus(id, AgentReady)
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "agent %s panicked: %v", id, r)
		}
	}()

	return e.exec.Execute(ctx, task)
}

// Snapshot lists pooled agents ordered by id.
func (p *AgentPool) Snapshot() []PoolEntry {
	p.mu.Lock()
	out := make([]PoolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.snapshot())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Agent.ID < out[j].Agent.ID })
	return out
}

// Size returns the number of pooled agents.
func (p *AgentPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (e *poolEntry) snapshot() PoolEntry {
	return PoolEntry{Agent: e.agent, Status: e.status(), Refs: e.refs, InFlight: e.inFlight}
}

func agentNotFound(id string) *schema.OrchestraError {
	return schema.NewError(schema.ErrCodeNotFound, fmt.Sprintf("Agent not found: %s", id)).
		WithDetails(map[string]any{"agent_id": id})
}
