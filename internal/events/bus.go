// Package events is the orchestrator's synchronous publish/subscribe bus.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// Event is one orchestration notification.
type Event struct {
	Kind        schema.EventKind `json:"kind"`
	WorkflowID  string           `json:"workflow_id,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	StepName    string           `json:"step_name,omitempty"`
	AgentID     string           `json:"agent_id,omitempty"`
	Payload     any              `json:"payload,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Handler receives events. A returned error or a panic is logged and does not
// affect other handlers or the emitter.
type Handler func(ctx context.Context, e Event) error

// Publisher is the emitting side of the bus, as seen by the engine.
type Publisher interface {
	Emit(ctx context.Context, e Event)
}

type registration struct {
	id   uint64
	kind schema.EventKind // empty means every kind
	fn   Handler
}

// Bus dispatches events synchronously to handlers in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers []registration
	seq      atomic.Uint64
	failures atomic.Int64
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Bus{logger: logger}
}

// On registers h for kind and returns a function that removes it.
// Multiple handlers per kind are allowed; all are invoked.
func (b *Bus) On(kind schema.EventKind, h Handler) func() {
	if !kind.Valid() {
		b.logger.Warn("registering handler for unknown event kind", "kind", kind)
	}
	return b.register(kind, h)
}

// OnAll registers h for every event kind.
func (b *Bus) OnAll(h Handler) func() {
	return b.register("", h)
}

func (b *Bus) register(kind schema.EventKind, h Handler) func() {
	id := b.seq.Add(1)
	b.mu.Lock()
	b.handlers = append(b.handlers, registration{id: id, kind: kind, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, r := range b.handlers {
				if r.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every handler registered for e.Kind, in registration order, on the
// caller's goroutine. Emitting with no handlers is a no-op.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]registration, 0, len(b.handlers))
	for _, r := range b.handlers {
		if r.kind == "" || r.kind == e.Kind {
			targets = append(targets, r)
		}
	}
	b.mu.RUnlock()

	for _, r := range targets {
		if err := b.invoke(ctx, r.fn, e); err != nil {
			b.failures.Add(1)
			b.logger.ErrorContext(ctx, "event handler failed", "kind", e.Kind, "error", err)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, e)
}

// HandlerCount returns the number of handlers that would receive kind.
func (b *Bus) HandlerCount(kind schema.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, r := range b.handlers {
		if r.kind == "" || r.kind == kind {
			n++
		}
	}
	return n
}

// Failures returns how many handler invocations have failed since creation.
func (b *Bus) Failures() int64 { return b.failures.Load() }
