// Package executor defines the contract between the orchestrator and the workers
// that actually perform agent tasks.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/pkg/schema"
)

// Task is one unit of work handed to an agent.
type Task struct {
	ID          string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewTask builds a task with a fresh id.
func NewTask(agentID, description string, input map[string]any) *Task {
	if input == nil {
		input = map[string]any{}
	}
	return &Task{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Description: description,
		Input:       input,
		CreatedAt:   time.Now().UTC(),
	}
}

// Executor runs exactly one task and returns its output. Implementations should
// honor ctx cancellation; it is the only way to interrupt a dispatched step.
type Executor interface {
	Execute(ctx context.Context, task *Task) (any, error)
}

// MemoryPersister is implemented by executors that keep long-term agent memory.
// It is invoked when the agent is released from the pool.
type MemoryPersister interface {
	PersistMemory(ctx context.Context) error
}

// Factory builds an executor bound to one agent.
type Factory interface {
	New(agent *schema.Agent) (Executor, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(agent *schema.Agent) (Executor, error)

func (f FactoryFunc) New(agent *schema.Agent) (Executor, error) { return f(agent) }

// Func adapts a function to Executor.
type Func func(ctx context.Context, task *Task) (any, error)

func (f Func) Execute(ctx context.Context, task *Task) (any, error) { return f(ctx, task) }
