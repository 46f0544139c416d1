package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/orchestra/internal/store"
)

// EventAppender is the store capability the journal needs.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Journal returns a handler that persists every workflow-scoped event. Events
// without a workflow id (agent messages, handoffs outside a run) are skipped.
func Journal(s EventAppender) Handler {
	return func(ctx context.Context, e Event) error {
		if e.WorkflowID == "" {
			return nil
		}
		var payload json.RawMessage
		if e.Payload != nil {
			b, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("journal %s: marshal payload: %w", e.Kind, err)
			}
			payload = b
		}
		return s.AppendEvent(ctx, &store.Event{
			WorkflowID:  e.WorkflowID,
			ExecutionID: e.ExecutionID,
			Kind:        string(e.Kind),
			StepName:    e.StepName,
			AgentID:     e.AgentID,
			Payload:     payload,
			Timestamp:   e.Timestamp,
		})
	}
}
