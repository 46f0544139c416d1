package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

func TestBus_RegistrationOrder(t *testing.T) {
	b := NewBus(nil)
	var order []string

	b.On(schema.EventWorkflowCompleted, func(_ context.Context, _ Event) error {
		order = append(order, "first")
		return nil
	})
	b.OnAll(func(_ context.Context, _ Event) error {
		order = append(order, "all")
		return nil
	})
	b.On(schema.EventWorkflowCompleted, func(_ context.Context, _ Event) error {
		order = append(order, "second")
		return nil
	})
	b.On(schema.EventWorkflowFailed, func(_ context.Context, _ Event) error {
		order = append(order, "other-kind")
		return nil
	})

	b.Emit(context.Background(), Event{Kind: schema.EventWorkflowCompleted})
	assert.Equal(t, []string{"first", "all", "second"}, order)
}

func TestBus_EmitWithoutHandlers(t *testing.T) {
	b := NewBus(nil)
	assert.NotPanics(t, func() {
		b.Emit(context.Background(), Event{Kind: schema.EventAgentMessage})
	})
	assert.Zero(t, b.HandlerCount(schema.EventAgentMessage))
}

func TestBus_HandlerFailuresAreIsolated(t *testing.T) {
	var logs bytes.Buffer
	b := NewBus(slog.New(slog.NewTextHandler(&logs, nil)))
	calls := 0

	b.On(schema.EventStepFailed, func(_ context.Context, _ Event) error {
		return errors.New("listener broke")
	})
	b.On(schema.EventStepFailed, func(_ context.Context, _ Event) error {
		panic("listener exploded")
	})
	b.On(schema.EventStepFailed, func(_ context.Context, _ Event) error {
		calls++
		return nil
	})

	assert.NotPanics(t, func() {
		b.Emit(context.Background(), Event{Kind: schema.EventStepFailed})
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(2), b.Failures())
	assert.Contains(t, logs.String(), "listener broke")
	assert.Contains(t, logs.String(), "listener exploded")
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil)
	calls := 0
	off := b.On(schema.EventWorkflowStarted, func(_ context.Context, _ Event) error {
		calls++
		return nil
	})

	b.Emit(context.Background(), Event{Kind: schema.EventWorkflowStarted})
	off()
	off()
	b.Emit(context.Background(), Event{Kind: schema.EventWorkflowStarted})

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.HandlerCount(schema.EventWorkflowStarted))
}

func TestBus_StampsTimestamp(t *testing.T) {
	b := NewBus(nil)
	var got Event
	b.OnAll(func(_ context.Context, e Event) error {
		got = e
		return nil
	})
	b.Emit(context.Background(), Event{Kind: schema.EventWorkflowCreated})
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_ConcurrentEmit(t *testing.T) {
	b := NewBus(nil)
	var mu sync.Mutex
	count := 0
	b.On(schema.EventStepCompleted, func(_ context.Context, _ Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(context.Background(), Event{Kind: schema.EventStepCompleted})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}

func TestSubscribe_Filter(t *testing.T) {
	b := NewBus(nil)
	ch, cancel, err := b.Subscribe(context.Background(), Filter{
		WorkflowID: "wf-1",
		Kinds:      []schema.EventKind{schema.EventStepCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	b.Emit(context.Background(), Event{Kind: schema.EventStepCompleted, WorkflowID: "wf-2"})
	b.Emit(context.Background(), Event{Kind: schema.EventStepFailed, WorkflowID: "wf-1"})
	b.Emit(context.Background(), Event{Kind: schema.EventStepCompleted, WorkflowID: "wf-1", StepName: "s1"})

	require.Len(t, ch, 1)
	e := <-ch
	assert.Equal(t, "s1", e.StepName)
}

func TestSubscribe_DropsWhenFull(t *testing.T) {
	b := NewBus(nil)
	ch, cancel, err := b.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		b.Emit(context.Background(), Event{Kind: schema.EventAgentMessage})
	}
	assert.Len(t, ch, defaultChannelBuffer)
	assert.Zero(t, b.Failures())
}

func TestSubscribe_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewBus(nil).Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

type memAppender struct {
	events []*store.Event
}

func (m *memAppender) AppendEvent(_ context.Context, e *store.Event) error {
	m.events = append(m.events, e)
	return nil
}

func TestJournal(t *testing.T) {
	app := &memAppender{}
	b := NewBus(nil)
	b.OnAll(Journal(app))

	b.Emit(context.Background(), Event{
		Kind:        schema.EventStepCompleted,
		WorkflowID:  "wf-1",
		ExecutionID: "exec-1",
		StepName:    "s1",
		Payload:     map[string]any{"durationMs": 12},
	})
	b.Emit(context.Background(), Event{Kind: schema.EventAgentMessage, Payload: "no workflow"})

	require.Len(t, app.events, 1)
	assert.Equal(t, "step_completed", app.events[0].Kind)
	assert.Equal(t, "exec-1", app.events[0].ExecutionID)
	assert.JSONEq(t, `{"durationMs":12}`, string(app.events[0].Payload))
}
