package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/events"
	"github.com/rendis/orchestra/internal/executor"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// mailbox is the process-wide FIFO of agent messages. Messages are never
// removed; reads filter on recipient and sent status.
type mailbox struct {
	mu       sync.Mutex
	messages []*schema.AgentMessage
}

func (m *mailbox) append(msg *schema.AgentMessage) {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
}

func (m *mailbox) unread(agentID string) []schema.AgentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []schema.AgentMessage{}
	for _, msg := range m.messages {
		if msg.To == agentID && msg.Status == schema.MessageSent {
			out = append(out, *msg)
		}
	}
	return out
}

func (m *mailbox) markRead(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			msg.Status = schema.MessageRead
			return true
		}
	}
	return false
}

// HandoffToAgent records that from passes data to to. Both agents must be in
// the pool. The handoff is an audit record only; it does not run to.
func (o *Orchestrator) HandoffToAgent(ctx context.Context, from, to string, data any) (*schema.Handoff, error) {
	if !o.pool.Has(from) || !o.pool.Has(to) {
		return nil, schema.NewError(schema.ErrCodeNotFound, "one or both agents not found in pool").
			WithDetails(map[string]any{"from": from, "to": to})
	}

	h := &schema.Handoff{From: from, To: to, Data: data}
	if err := o.store.CreateHandoff(ctx, h); err != nil {
		return nil, storeError("record handoff", err)
	}
	o.metrics.HandoffRecorded(ctx)

	ctx = logging.WithAgentID(ctx, from)
	logging.LogWith(ctx, o.logger).InfoContext(ctx, "agent handoff recorded",
		slog.String("handoff_id", h.ID), slog.String("to", to))
	o.bus.Emit(ctx, events.Event{
		Kind:    schema.EventAgentHandoff,
		AgentID: from,
		Payload: h,
	})
	return h, nil
}

// ListHandoffs returns audited handoffs, newest first.
func (o *Orchestrator) ListHandoffs(ctx context.Context, filter store.HandoffFilter) ([]*schema.Handoff, error) {
	list, err := o.store.ListHandoffs(ctx, filter)
	if err != nil {
		return nil, storeError("list handoffs", err)
	}
	return list, nil
}

// ExecuteAgentTask dispatches a one-off task to a pooled agent outside any
// workflow, e.g. to act on a handoff.
func (o *Orchestrator) ExecuteAgentTask(ctx context.Context, agentID, description string, input map[string]any) (any, error) {
	if strings.TrimSpace(description) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task description is required")
	}
	ctx = logging.WithAgentID(ctx, agentID)
	start := time.Now()
	out, err := o.pool.Dispatch(ctx, agentID, executor.NewTask(agentID, description, input))
	if err != nil && !schema.IsNotFound(err) {
		logging.LogWith(ctx, o.logger).WarnContext(ctx, "agent task failed",
			slog.String("error", err.Error()), slog.Duration("duration", time.Since(start)))
	}
	return out, err
}

// SendAgentMessage queues a message for to and emits agent_message.
func (o *Orchestrator) SendAgentMessage(ctx context.Context, from, to, content string) (*schema.AgentMessage, error) {
	if strings.TrimSpace(to) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "message recipient is required")
	}
	msg := &schema.AgentMessage{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Status:    schema.MessageSent,
	}
	o.mailbox.append(msg)
	o.metrics.MessageSent(ctx)

	out := *msg
	o.bus.Emit(ctx, events.Event{
		Kind:    schema.EventAgentMessage,
		AgentID: from,
		Payload: out,
	})
	return &out, nil
}

// GetAgentMessages returns the unread messages addressed to agentID in send order.
func (o *Orchestrator) GetAgentMessages(agentID string) []schema.AgentMessage {
	return o.mailbox.unread(agentID)
}

// MarkMessageRead flags a message as consumed so it is no longer returned.
func (o *Orchestrator) MarkMessageRead(messageID string) error {
	if !o.mailbox.markRead(messageID) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "message %s not found", messageID)
	}
	return nil
}
