package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// --- Mock Engine ---

type mockEngine struct {
	mu sync.Mutex

	created     *schema.Workflow
	overrides   *engine.TemplateOverrides
	workflows   map[string]*schema.Workflow
	listFilter  store.WorkflowFilter
	deleted     []string
	execResult  *engine.ExecutionResult
	execErr     error
	execInput   map[string]any
	started     []string
	controls    []string
	controlErr  error
	active      []schema.Execution
	messages    []schema.AgentMessage
	readIDs     []string
	handoffs    []*schema.Handoff
	handoffErr  error
	createErr   error
	templateErr error
}

func newMockEngine() *mockEngine {
	return &mockEngine{workflows: map[string]*schema.Workflow{}}
}

func (m *mockEngine) CreateWorkflow(_ context.Context, userID string, data *schema.Workflow) (*schema.Workflow, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	wf := *data
	wf.ID = "wf-1"
	wf.UserID = userID
	wf.Status = schema.WorkflowStatusPending
	m.created = &wf
	m.workflows[wf.ID] = &wf
	return &wf, nil
}

func (m *mockEngine) CreateFromTemplate(_ context.Context, templateID, userID string, overrides *engine.TemplateOverrides) (*schema.Workflow, error) {
	if m.templateErr != nil {
		return nil, m.templateErr
	}
	m.overrides = overrides
	return &schema.Workflow{ID: "wf-tpl", UserID: userID, Name: overrides.Name,
		Metadata: map[string]any{"template_id": templateID}}, nil
}

func (m *mockEngine) GetWorkflow(_ context.Context, id, userID string) (*schema.Workflow, error) {
	wf, ok := m.workflows[id]
	if !ok || wf.UserID != userID {
		return nil, nil
	}
	return wf, nil
}

func (m *mockEngine) GetWorkflows(_ context.Context, userID string, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.listFilter = filter
	var out []*schema.Workflow
	for _, wf := range m.workflows {
		if wf.UserID == userID {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (m *mockEngine) DeleteWorkflow(_ context.Context, id, _ string) error {
	if _, ok := m.workflows[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockEngine) ExecuteWorkflow(_ context.Context, _ string, input map[string]any) (*engine.ExecutionResult, error) {
	m.execInput = input
	return m.execResult, m.execErr
}

func (m *mockEngine) StartWorkflow(_ context.Context, workflowID string, _ map[string]any) (string, error) {
	if m.execErr != nil {
		return "", m.execErr
	}
	m.started = append(m.started, workflowID)
	return "exec-async", nil
}

func (m *mockEngine) control(action, id string) error {
	m.controls = append(m.controls, action+":"+id)
	return m.controlErr
}

func (m *mockEngine) PauseWorkflow(_ context.Context, id string) error  { return m.control("pause", id) }
func (m *mockEngine) ResumeWorkflow(_ context.Context, id string) error { return m.control("resume", id) }
func (m *mockEngine) CancelWorkflow(_ context.Context, id string) error { return m.control("cancel", id) }

func (m *mockEngine) GetActiveExecutions() []schema.Execution { return m.active }

func (m *mockEngine) GetWorkflowStats(_ context.Context, _ string) (*schema.WorkflowStats, error) {
	return &schema.WorkflowStats{
		Total:    3,
		ByStatus: map[schema.WorkflowStatus]int{schema.WorkflowStatusCompleted: 2, schema.WorkflowStatusFailed: 1},
	}, nil
}

func (m *mockEngine) HandoffToAgent(_ context.Context, from, to string, data any) (*schema.Handoff, error) {
	if m.handoffErr != nil {
		return nil, m.handoffErr
	}
	h := &schema.Handoff{ID: "h-1", From: from, To: to, Data: data, Status: schema.HandoffStatusPending}
	m.handoffs = append(m.handoffs, h)
	return h, nil
}

func (m *mockEngine) SendAgentMessage(_ context.Context, from, to, content string) (*schema.AgentMessage, error) {
	if to == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "message recipient is required")
	}
	msg := schema.AgentMessage{ID: "m-1", From: from, To: to, Content: content, Status: schema.MessageSent, Timestamp: time.Now().UTC()}
	m.messages = append(m.messages, msg)
	return &msg, nil
}

func (m *mockEngine) GetAgentMessages(agentID string) []schema.AgentMessage {
	var out []schema.AgentMessage
	for _, msg := range m.messages {
		if msg.To == agentID && msg.Status == schema.MessageSent {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockEngine) MarkMessageRead(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == id {
			m.messages[i].Status = schema.MessageRead
			m.readIDs = append(m.readIDs, id)
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "message %s not found", id)
}

// --- Mock Scheduler ---

type mockScheduler struct {
	calls []string
	err   error
}

func (m *mockScheduler) Add(_ context.Context, workflowID, userID, cronExpr string, input map[string]any) (*store.Schedule, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.calls = append(m.calls, workflowID+"@"+cronExpr)
	return &store.Schedule{ID: "s-1", WorkflowID: workflowID, UserID: userID, CronExpression: cronExpr, Input: input, Enabled: true}, nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(me *mockEngine) *Server {
	return NewServer(ServerDeps{Engine: me, Scheduler: &mockScheduler{}})
}

// --- Tests ---

func TestCreateTool(t *testing.T) {
	me := newMockEngine()
	s := newTestServer(me)

	result, err := s.handleCreate(context.Background(), buildRequest("workflow.create", map[string]any{
		"user_id": "user-1",
		"name":    "research",
		"agents":  []any{"researcher", "writer"},
		"steps": []any{
			map[string]any{"name": "research", "agentId": "researcher", "input": map[string]any{"topic": "{{topic}}"}},
			map[string]any{"name": "write", "agentId": "writer", "required": false},
		},
		"settings": map[string]any{"singleFlight": true},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.NotNil(t, me.created)
	assert.Equal(t, []string{"researcher", "writer"}, me.created.Agents)
	require.Len(t, me.created.Steps, 2)
	assert.Equal(t, "researcher", me.created.Steps[0].AgentID)
	assert.Equal(t, "{{topic}}", me.created.Steps[0].Input["topic"])
	assert.False(t, me.created.Steps[1].IsRequired())
	assert.Equal(t, true, me.created.Settings["singleFlight"])

	var wf schema.Workflow
	unmarshalResult(t, result, &wf)
	assert.Equal(t, "wf-1", wf.ID)
	assert.Equal(t, "user-1", wf.UserID)
	assert.Equal(t, schema.WorkflowStatusPending, wf.Status)
}

func TestCreateToolErrors(t *testing.T) {
	me := newMockEngine()
	s := newTestServer(me)
	ctx := context.Background()

	result, err := s.handleCreate(ctx, buildRequest("workflow.create", map[string]any{"name": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleCreate(ctx, buildRequest("workflow.create", map[string]any{
		"user_id": "user-1", "name": "x", "steps": "not-a-list",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "invalid steps")

	me.createErr = schema.NewError(schema.ErrCodeValidation, "Workflow name is required")
	result, err = s.handleCreate(ctx, buildRequest("workflow.create", map[string]any{"user_id": "user-1", "name": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "VALIDATION_ERROR")
}

func TestFromTemplateTool(t *testing.T) {
	me := newMockEngine()
	s := newTestServer(me)

	result, err := s.handleFromTemplate(context.Background(), buildRequest("workflow.from_template", map[string]any{
		"template_id": "research-report",
		"user_id":     "user-1",
		"name":        "weekly report",
		"settings":    map[string]any{"summary": "len(results)"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.NotNil(t, me.overrides)
	assert.Equal(t, "weekly report", me.overrides.Name)
	assert.Equal(t, "len(results)", me.overrides.Settings["summary"])

	me.templateErr = schema.NewError(schema.ErrCodeNotFound, "template ghost not found")
	result, err = s.handleFromTemplate(context.Background(), buildRequest("workflow.from_template", map[string]any{
		"template_id": "ghost", "user_id": "user-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetAndDeleteTools(t *testing.T) {
	me := newMockEngine()
	me.workflows["wf-1"] = &schema.Workflow{ID: "wf-1", UserID: "user-1", Name: "research"}
	s := newTestServer(me)
	ctx := context.Background()

	result, err := s.handleGet(ctx, buildRequest("workflow.get", map[string]any{"workflow_id": "wf-1", "user_id": "user-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	var wf schema.Workflow
	unmarshalResult(t, result, &wf)
	assert.Equal(t, "research", wf.Name)

	result, err = s.handleGet(ctx, buildRequest("workflow.get", map[string]any{"workflow_id": "wf-1", "user_id": "user-2"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "workflow wf-1 not found")

	result, err = s.handleDelete(ctx, buildRequest("workflow.delete", map[string]any{"workflow_id": "wf-1", "user_id": "user-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"wf-1"}, me.deleted)
}

func TestListTool(t *testing.T) {
	me := newMockEngine()
	me.workflows["wf-1"] = &schema.Workflow{ID: "wf-1", UserID: "user-1"}
	me.workflows["wf-2"] = &schema.Workflow{ID: "wf-2", UserID: "user-2"}
	s := newTestServer(me)

	result, err := s.handleList(context.Background(), buildRequest("workflow.list", map[string]any{
		"user_id": "user-1", "status": "completed", "limit": float64(10),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.NotNil(t, me.listFilter.Status)
	assert.Equal(t, schema.WorkflowStatusCompleted, *me.listFilter.Status)
	assert.Equal(t, 10, me.listFilter.Limit)

	var out struct {
		Workflows []schema.Workflow `json:"workflows"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Workflows, 1)
	assert.Equal(t, "wf-1", out.Workflows[0].ID)

	result, err = s.handleList(context.Background(), buildRequest("workflow.list", map[string]any{
		"user_id": "user-1", "status": "exploded",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListToolDefaultLimit(t *testing.T) {
	me := newMockEngine()
	s := newTestServer(me)

	_, err := s.handleList(context.Background(), buildRequest("workflow.list", map[string]any{"user_id": "user-1"}))
	require.NoError(t, err)
	assert.Equal(t, store.DefaultListLimit, me.listFilter.Limit)
	assert.Nil(t, me.listFilter.Status)
}

func TestExecuteTool(t *testing.T) {
	me := newMockEngine()
	me.execResult = &engine.ExecutionResult{
		Success:     true,
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Status:      schema.WorkflowStatusCompleted,
		Results:     []*engine.StepResult{{StepName: "research", AgentID: "researcher", Success: true, Output: "notes"}},
	}
	s := newTestServer(me)

	result, err := s.handleExecute(context.Background(), buildRequest("workflow.execute", map[string]any{
		"workflow_id": "wf-1", "input": map[string]any{"topic": "go"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "go", me.execInput["topic"])

	var res engine.ExecutionResult
	unmarshalResult(t, result, &res)
	assert.True(t, res.Success)
	assert.Equal(t, "exec-1", res.ExecutionID)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "notes", res.Results[0].Output)
}

func TestExecuteToolFailureKeepsResult(t *testing.T) {
	me := newMockEngine()
	me.execResult = &engine.ExecutionResult{ExecutionID: "exec-1", WorkflowID: "wf-1", Status: schema.WorkflowStatusFailed}
	me.execErr = schema.NewError(schema.ErrCodeStepFailed, "agent unavailable").WithStep("research")
	s := newTestServer(me)

	result, err := s.handleExecute(context.Background(), buildRequest("workflow.execute", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Result engine.ExecutionResult `json:"result"`
		Error  map[string]any         `json:"error"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.WorkflowStatusFailed, out.Result.Status)
	assert.Equal(t, schema.ErrCodeStepFailed, out.Error["code"])
	assert.Equal(t, "agent unavailable", out.Error["message"])
}

func TestExecuteToolRejected(t *testing.T) {
	me := newMockEngine()
	me.execErr = schema.NewError(schema.ErrCodeCapacity, engine.ErrCapacityMessage)
	s := newTestServer(me)

	result, err := s.handleExecute(context.Background(), buildRequest("workflow.execute", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), engine.ErrCapacityMessage)
}

func TestExecuteToolAsync(t *testing.T) {
	me := newMockEngine()
	s := newTestServer(me)

	result, err := s.handleExecute(context.Background(), buildRequest("workflow.execute", map[string]any{
		"workflow_id": "wf-1", "async": true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"wf-1"}, me.started)

	var out map[string]string
	unmarshalResult(t, result, &out)
	assert.Equal(t, "exec-async", out["execution_id"])
}

func TestControlTool(t *testing.T) {
	me := newMockEngine()
	s := newTestServer(me)
	ctx := context.Background()

	for _, action := range []string{"pause", "resume", "cancel"} {
		result, err := s.handleControl(ctx, buildRequest("workflow.control", map[string]any{
			"execution_id": "exec-1", "action": action,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError, action)
	}
	assert.Equal(t, []string{"pause:exec-1", "resume:exec-1", "cancel:exec-1"}, me.controls)

	result, err := s.handleControl(ctx, buildRequest("workflow.control", map[string]any{
		"execution_id": "exec-1", "action": "restart",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	me.controlErr = schema.NewError(schema.ErrCodeNotFound, "no paused execution found: exec-1")
	result, err = s.handleControl(ctx, buildRequest("workflow.control", map[string]any{
		"execution_id": "exec-1", "action": "resume",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "no paused execution found")
}

func TestActiveAndStatsTools(t *testing.T) {
	me := newMockEngine()
	me.active = []schema.Execution{{ID: "exec-1", WorkflowID: "wf-1", Status: schema.ExecutionPaused, CurrentStep: 1}}
	s := newTestServer(me)
	ctx := context.Background()

	result, err := s.handleActive(ctx, buildRequest("workflow.active", nil))
	require.NoError(t, err)
	var active struct {
		Executions []schema.Execution `json:"executions"`
	}
	unmarshalResult(t, result, &active)
	require.Len(t, active.Executions, 1)
	assert.Equal(t, schema.ExecutionPaused, active.Executions[0].Status)

	result, err = s.handleStats(ctx, buildRequest("workflow.stats", map[string]any{"user_id": "user-1"}))
	require.NoError(t, err)
	var stats schema.WorkflowStats
	unmarshalResult(t, result, &stats)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[schema.WorkflowStatusCompleted])
}

func TestScheduleTool(t *testing.T) {
	me := newMockEngine()
	sched := &mockScheduler{}
	s := NewServer(ServerDeps{Engine: me, Scheduler: sched})

	result, err := s.handleSchedule(context.Background(), buildRequest("workflow.schedule", map[string]any{
		"workflow_id": "wf-1", "user_id": "user-1", "cron": "@hourly",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"wf-1@@hourly"}, sched.calls)

	sched.err = schema.NewError(schema.ErrCodeValidation, "invalid cron expression")
	result, err = s.handleSchedule(context.Background(), buildRequest("workflow.schedule", map[string]any{
		"workflow_id": "wf-1", "user_id": "user-1", "cron": "bogus",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandoffTool(t *testing.T) {
	me := newMockEngine()
	s := newTestServer(me)

	result, err := s.handleHandoff(context.Background(), buildRequest("agent.handoff", map[string]any{
		"from": "researcher", "to": "writer", "data": map[string]any{"notes": "draft"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, me.handoffs, 1)
	assert.Equal(t, map[string]any{"notes": "draft"}, me.handoffs[0].Data)

	me.handoffErr = schema.NewError(schema.ErrCodeNotFound, "one or both agents not found in pool")
	result, err = s.handleHandoff(context.Background(), buildRequest("agent.handoff", map[string]any{
		"from": "researcher", "to": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "one or both agents not found in pool")
}

func TestMessageTools(t *testing.T) {
	me := newMockEngine()
	s := newTestServer(me)
	ctx := context.Background()

	result, err := s.handleMessageSend(ctx, buildRequest("agent.message.send", map[string]any{
		"from": "researcher", "to": "writer", "content": "sources ready",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = s.handleMessageList(ctx, buildRequest("agent.message.list", map[string]any{
		"agent_id": "writer", "mark_read": true,
	}))
	require.NoError(t, err)
	var out struct {
		Messages []schema.AgentMessage `json:"messages"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "sources ready", out.Messages[0].Content)
	assert.Equal(t, []string{"m-1"}, me.readIDs)

	result, err = s.handleMessageList(ctx, buildRequest("agent.message.list", map[string]any{"agent_id": "writer"}))
	require.NoError(t, err)
	assert.Equal(t, `{"messages":[]}`, extractText(t, result))
}

func TestExtractInt(t *testing.T) {
	args := map[string]any{"f": float64(7), "i": 3, "s": "12", "bad": "x"}
	assert.Equal(t, 7, extractInt(args, "f", 0))
	assert.Equal(t, 3, extractInt(args, "i", 0))
	assert.Equal(t, 12, extractInt(args, "s", 0))
	assert.Equal(t, 5, extractInt(args, "bad", 5))
	assert.Equal(t, 5, extractInt(nil, "f", 5))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
