package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orchestra/internal/events"
	"github.com/rendis/orchestra/pkg/schema"
)

// notificationMethod is the MCP method used for agent pushes.
const notificationMethod = "notifications/message"

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier by pushing to the agent's MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier for the sessions tracked by s.
func NewMCPNotifier(s *Server) *MCPNotifier {
	return &MCPNotifier{mcpServer: s.mcpServer, sessions: s.sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Handler returns a bus handler that tells the receiving agent about new
// messages and handoffs addressed to it.
func (n *MCPNotifier) Handler() events.Handler {
	return func(ctx context.Context, e events.Event) error {
		to, payload := recipient(e)
		if to == "" {
			return nil
		}
		return n.Notify(ctx, to, map[string]any{
			"kind":    string(e.Kind),
			"from":    e.AgentID,
			"payload": payload,
		})
	}
}

func recipient(e events.Event) (string, any) {
	switch p := e.Payload.(type) {
	case schema.AgentMessage:
		return p.To, p
	case *schema.AgentMessage:
		return p.To, p
	case *schema.Handoff:
		return p.To, p
	}
	return "", nil
}
