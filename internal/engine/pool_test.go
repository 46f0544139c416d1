package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/executor"
	"github.com/rendis/orchestra/pkg/schema"
)

func newTestPool(execs executor.Factory, agentIDs ...string) *AgentPool {
	return NewAgentPool(newMockAgents(agentIDs...), execs, nil, discardLogger())
}

func TestAgentPool_InitializeSkipsUnknownAgents(t *testing.T) {
	pool := newTestPool(newScriptedExecutors(), "a1", "a2")

	acquired := pool.Initialize(context.Background(), []string{"a1", "ghost", "a2", "a1", ""})

	assert.Equal(t, []string{"a1", "a2"}, acquired)
	assert.True(t, pool.Has("a1"))
	assert.False(t, pool.Has("ghost"))
	assert.Equal(t, 2, pool.Size())

	entry, ok := pool.Get("a1")
	require.True(t, ok)
	assert.Equal(t, AgentReady, entry.Status)
	assert.Equal(t, 1, entry.Refs)
}

func TestAgentPool_InitializeSkipsFactoryErrors(t *testing.T) {
	factory := executor.FactoryFunc(func(agent *schema.Agent) (executor.Executor, error) {
		if agent.ID == "broken" {
			return nil, errors.New("no endpoint")
		}
		return executor.Func(func(context.Context, *executor.Task) (any, error) { return nil, nil }), nil
	})
	pool := newTestPool(factory, "a1", "broken")

	assert.Equal(t, []string{"a1"}, pool.Initialize(context.Background(), []string{"broken", "a1"}))
	assert.False(t, pool.Has("broken"))
}

func TestAgentPool_ReferenceCounting(t *testing.T) {
	execs := newScriptedExecutors()
	pool := newTestPool(execs, "a1", "a2")
	ctx := context.Background()

	first := pool.Initialize(ctx, []string{"a1", "a2"})
	second := pool.Initialize(ctx, []string{"a1"})

	entry, _ := pool.Get("a1")
	assert.Equal(t, 2, entry.Refs)

	pool.Cleanup(ctx, first)
	assert.True(t, pool.Has("a1"), "a1 still referenced by the second execution")
	assert.False(t, pool.Has("a2"))
	assert.Equal(t, 1, execs.persisted("a2"))
	assert.Equal(t, 0, execs.persisted("a1"))

	pool.Cleanup(ctx, second)
	assert.False(t, pool.Has("a1"))
	assert.Equal(t, 1, execs.persisted("a1"))
	assert.Equal(t, 0, pool.Size())
}

func TestAgentPool_CleanupToleratesUnknownIDsAndPlainExecutors(t *testing.T) {
	factory := executor.FactoryFunc(func(*schema.Agent) (executor.Executor, error) {
		return executor.Func(func(context.Context, *executor.Task) (any, error) { return "ok", nil }), nil
	})
	pool := newTestPool(factory, "a1")
	ctx := context.Background()

	acquired := pool.Initialize(ctx, []string{"a1"})
	assert.NotPanics(t, func() {
		pool.Cleanup(ctx, []string{"never-initialized"})
		pool.Cleanup(ctx, acquired)
		pool.Cleanup(ctx, acquired)
	})
	assert.False(t, pool.Has("a1"))
}

func TestAgentPool_DispatchMarksBusy(t *testing.T) {
	execs := newScriptedExecutors()
	started := make(chan string, 1)
	release := make(chan struct{})
	execs.set("a1", blockingFunc(started, release))

	pool := newTestPool(execs, "a1")
	pool.Initialize(context.Background(), []string{"a1"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err := pool.Dispatch(context.Background(), "a1", executor.NewTask("a1", "Summarize", nil))
		assert.NoError(t, err)
		assert.Equal(t, "released", out)
	}()

	<-started
	entry, _ := pool.Get("a1")
	assert.Equal(t, AgentBusy, entry.Status)
	assert.Equal(t, 1, entry.InFlight)

	close(release)
	wg.Wait()
	entry, _ = pool.Get("a1")
	assert.Equal(t, AgentReady, entry.Status)
}

func TestAgentPool_DispatchRecoversPanic(t *testing.T) {
	execs := newScriptedExecutors()
	execs.set("a1", func(context.Context, *executor.Task) (any, error) { panic("boom") })
	pool := newTestPool(execs, "a1")
	pool.Initialize(context.Background(), []string{"a1"})

	_, err := pool.Dispatch(context.Background(), "a1", executor.NewTask("a1", "x", nil))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))

	entry, _ := pool.Get("a1")
	assert.Equal(t, AgentReady, entry.Status)
}

func TestAgentPool_DispatchUnknownAgent(t *testing.T) {
	pool := newTestPool(newScriptedExecutors())
	_, err := pool.Dispatch(context.Background(), "a9", executor.NewTask("a9", "x", nil))
	assert.True(t, schema.IsNotFound(err))
	assert.Contains(t, err.Error(), "Agent not found: a9")
}

func TestAgentPool_SnapshotSorted(t *testing.T) {
	pool := newTestPool(newScriptedExecutors(), "b", "a", "c")
	pool.Initialize(context.Background(), []string{"c", "a", "b"})

	snap := pool.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].Agent.ID)
	assert.Equal(t, "c", snap[2].Agent.ID)
	assert.False(t, pool.SetStatus("zzz", AgentBusy))
}
