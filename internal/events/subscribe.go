package events

import (
	"context"

	"github.com/rendis/orchestra/pkg/schema"
)

const defaultChannelBuffer = 64

// Filter selects which events a channel subscriber receives. Zero values match all.
type Filter struct {
	WorkflowID string             `json:"workflow_id,omitempty"`
	Kinds      []schema.EventKind `json:"kinds,omitempty"`
}

func (f Filter) match(e Event) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

// Subscribe returns a buffered channel fed from the bus and a cancel function.
// Delivery never blocks the emitter: when the buffer is full the event is dropped.
// The channel is not closed on cancel.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan Event, defaultChannelBuffer)
	cancel := b.OnAll(func(_ context.Context, e Event) error {
		if !filter.match(e) {
			return nil
		}
		select {
		case ch <- e:
		default:
		}
		return nil
	})
	return ch, cancel, nil
}
