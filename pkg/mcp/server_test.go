package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/events"
	"github.com/rendis/orchestra/pkg/schema"
)

var workflowTools = []string{
	"workflow.create",
	"workflow.from_template",
	"workflow.get",
	"workflow.list",
	"workflow.delete",
	"workflow.execute",
	"workflow.control",
	"workflow.active",
	"workflow.stats",
	"agent.handoff",
	"agent.message.send",
	"agent.message.list",
}

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{Engine: newMockEngine()})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{Engine: newMockEngine()})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, len(workflowTools))
	for _, name := range workflowTools {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
	assert.Nil(t, s.mcpServer.GetTool("workflow.schedule"))
}

func TestToolRegistration_WithScheduler(t *testing.T) {
	s := NewServer(ServerDeps{Engine: newMockEngine(), Scheduler: &mockScheduler{}})

	assert.Len(t, s.mcpServer.ListTools(), len(workflowTools)+1)
	tool := s.mcpServer.GetTool("workflow.schedule")
	require.NotNil(t, tool)
	assert.Equal(t, "Run a stored workflow on a cron schedule", tool.Tool.Description)
}

func TestControlToolEnum(t *testing.T) {
	s := NewServer(ServerDeps{Engine: newMockEngine()})

	tool := s.mcpServer.GetTool("workflow.control")
	require.NotNil(t, tool)
	assert.Contains(t, tool.Tool.InputSchema.Required, "action")
	action, ok := tool.Tool.InputSchema.Properties["action"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"pause", "resume", "cancel"}, action["enum"])
}

func TestNotifierHandler_NoSession(t *testing.T) {
	s := NewServer(ServerDeps{Engine: newMockEngine()})
	n := NewMCPNotifier(s)

	err := n.Handler()(context.Background(), events.Event{
		Kind:    schema.EventAgentMessage,
		AgentID: "researcher",
		Payload: schema.AgentMessage{ID: "m-1", From: "researcher", To: "writer", Content: "hi"},
	})
	assert.NoError(t, err)
}

func TestRecipient(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"message value", schema.AgentMessage{To: "writer"}, "writer"},
		{"message pointer", &schema.AgentMessage{To: "reviewer"}, "reviewer"},
		{"handoff", &schema.Handoff{From: "researcher", To: "writer"}, "writer"},
		{"other", map[string]any{"to": "writer"}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to, _ := recipient(events.Event{Payload: tt.payload})
			assert.Equal(t, tt.want, to)
		})
	}
}
