package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// Engine is the orchestrator surface exposed as MCP tools.
type Engine interface {
	CreateWorkflow(ctx context.Context, userID string, data *schema.Workflow) (*schema.Workflow, error)
	CreateFromTemplate(ctx context.Context, templateID, userID string, overrides *engine.TemplateOverrides) (*schema.Workflow, error)
	GetWorkflow(ctx context.Context, id, userID string) (*schema.Workflow, error)
	GetWorkflows(ctx context.Context, userID string, filter store.WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id, userID string) error
	ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*engine.ExecutionResult, error)
	StartWorkflow(ctx context.Context, workflowID string, input map[string]any) (string, error)
	PauseWorkflow(ctx context.Context, executionID string) error
	ResumeWorkflow(ctx context.Context, executionID string) error
	CancelWorkflow(ctx context.Context, executionID string) error
	GetActiveExecutions() []schema.Execution
	GetWorkflowStats(ctx context.Context, userID string) (*schema.WorkflowStats, error)
	HandoffToAgent(ctx context.Context, from, to string, data any) (*schema.Handoff, error)
	SendAgentMessage(ctx context.Context, from, to, content string) (*schema.AgentMessage, error)
	GetAgentMessages(agentID string) []schema.AgentMessage
	MarkMessageRead(messageID string) error
}

// Scheduler registers cron schedules for stored workflows.
type Scheduler interface {
	Add(ctx context.Context, workflowID, userID, cronExpr string, input map[string]any) (*store.Schedule, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine    Engine
	Scheduler Scheduler // nil disables workflow.schedule
	Logger    *slog.Logger
}

// Server wraps an MCP server with orchestra tool handlers.
type Server struct {
	engine    Engine
	scheduler Scheduler
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every workflow and agent tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"orchestra",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Orchestra coordinates multi-agent workflows. Use workflow.create or workflow.from_template to define a workflow, workflow.execute to run it, workflow.control to pause, resume or cancel an active execution, and agent.handoff / agent.message.* for agent-to-agent coordination."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent-to-session map used for push notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: fromTemplateTool(), Handler: s.handleFromTemplate},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: activeTool(), Handler: s.handleActive},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: handoffTool(), Handler: s.handleHandoff},
		{Tool: messageSendTool(), Handler: s.handleMessageSend},
		{Tool: messageListTool(), Handler: s.handleMessageList},
	}
	if s.scheduler != nil {
		tools = append(tools, server.ServerTool{Tool: scheduleTool(), Handler: s.handleSchedule})
	}
	return tools
}

// --- Tool definitions ---

func createTool() mcp.Tool {
	return mcp.NewTool("workflow.create",
		mcp.WithDescription("Create and persist a workflow definition"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithArray("agents", mcp.Description("IDs of the agents the workflow may invoke"), mcp.WithStringItems()),
		mcp.WithArray("steps", mcp.Required(), mcp.Description("Ordered steps: {name, agentId, description, input, required, when, select, retry}")),
		mcp.WithObject("settings", mcp.Description("Workflow settings (inputSchema, singleFlight, summary)")),
		mcp.WithObject("metadata", mcp.Description("Free-form metadata")),
	)
}

func fromTemplateTool() mcp.Tool {
	return mcp.NewTool("workflow.from_template",
		mcp.WithDescription("Create a workflow from a registered template"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("Template ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
		mcp.WithString("name", mcp.Description("Override the template name")),
		mcp.WithString("description", mcp.Description("Override the template description")),
		mcp.WithObject("settings", mcp.Description("Settings merged over the template settings")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("workflow.get",
		mcp.WithDescription("Get a workflow owned by a user"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List a user's workflows, newest first"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflows")),
		mcp.WithString("status", mcp.Description("Filter by status")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Rows to skip")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("workflow.delete",
		mcp.WithDescription("Delete a workflow that has no active execution"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("workflow.execute",
		mcp.WithDescription("Execute a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID")),
		mcp.WithObject("input", mcp.Description("Execution input")),
		mcp.WithBoolean("async", mcp.Description("Start in the background and return the execution ID")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("workflow.control",
		mcp.WithDescription("Pause, resume or cancel an active execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "cancel"),
			mcp.Description("Lifecycle action"),
		),
	)
}

func activeTool() mcp.Tool {
	return mcp.NewTool("workflow.active",
		mcp.WithDescription("List active executions"),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("workflow.stats",
		mcp.WithDescription("Count a user's workflows by status"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflows")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("workflow.schedule",
		mcp.WithDescription("Run a stored workflow on a cron schedule"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor such as @hourly")),
		mcp.WithObject("input", mcp.Description("Input for every run")),
	)
}

func handoffTool() mcp.Tool {
	return mcp.NewTool("agent.handoff",
		mcp.WithDescription("Record a handoff of work between two pooled agents"),
		mcp.WithString("from", mcp.Required(), mcp.Description("Sending agent ID")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Receiving agent ID")),
		mcp.WithObject("data", mcp.Description("Handoff payload")),
	)
}

func messageSendTool() mcp.Tool {
	return mcp.NewTool("agent.message.send",
		mcp.WithDescription("Send a text message to an agent"),
		mcp.WithString("from", mcp.Required(), mcp.Description("Sending agent ID")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Receiving agent ID")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
	)
}

func messageListTool() mcp.Tool {
	return mcp.NewTool("agent.message.list",
		mcp.WithDescription("List an agent's unread messages"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Receiving agent ID")),
		mcp.WithBoolean("mark_read", mcp.Description("Mark the returned messages as read")),
	)
}
