package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// handleCreate persists a workflow definition.
func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	args := req.GetArguments()
	var steps []schema.Step
	if err := decodeArg(args, "steps", &steps); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid steps: %v", err)), nil
	}

	wf := &schema.Workflow{
		Name:        name,
		Description: req.GetString("description", ""),
		Agents:      req.GetStringSlice("agents", nil),
		Steps:       steps,
		Settings:    mcp.ParseStringMap(req, "settings", nil),
		Metadata:    mcp.ParseStringMap(req, "metadata", nil),
	}
	created, err := s.engine.CreateWorkflow(ctx, userID, wf)
	if err != nil {
		return toolError("create failed", err), nil
	}
	return marshalResult(created)
}

// handleFromTemplate instantiates a registered template.
func (s *Server) handleFromTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	overrides := &engine.TemplateOverrides{
		Name:        req.GetString("name", ""),
		Description: req.GetString("description", ""),
		Settings:    mcp.ParseStringMap(req, "settings", nil),
	}
	wf, err := s.engine.CreateFromTemplate(ctx, templateID, userID, overrides)
	if err != nil {
		return toolError("template instantiation failed", err), nil
	}
	return marshalResult(wf)
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	wf, err := s.engine.GetWorkflow(ctx, workflowID, userID)
	if err != nil {
		return toolError("get failed", err), nil
	}
	if wf == nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s not found", workflowID)), nil
	}
	return marshalResult(wf)
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	args := req.GetArguments()
	filter := store.WorkflowFilter{
		Limit:  extractInt(args, "limit", store.DefaultListLimit),
		Offset: extractInt(args, "offset", 0),
	}
	if status := req.GetString("status", ""); status != "" {
		ws := schema.WorkflowStatus(status)
		if !ws.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", status)), nil
		}
		filter.Status = &ws
	}

	workflows, err := s.engine.GetWorkflows(ctx, userID, filter)
	if err != nil {
		return toolError("list failed", err), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	if err := s.engine.DeleteWorkflow(ctx, workflowID, userID); err != nil {
		return toolError("delete failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
}

// handleExecute runs a workflow to completion, or starts it in the background
// when async is set. A failed run still returns its partial result.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	if req.GetBool("async", false) {
		execID, err := s.engine.StartWorkflow(ctx, workflowID, input)
		if err != nil {
			return toolError("start failed", err), nil
		}
		return marshalResult(map[string]any{"execution_id": execID, "workflow_id": workflowID})
	}

	result, err := s.engine.ExecuteWorkflow(ctx, workflowID, input)
	if err != nil {
		if result == nil {
			return toolError("execution failed", err), nil
		}
		return marshalResult(map[string]any{"result": result, "error": errorPayload(err)})
	}
	return marshalResult(result)
}

func (s *Server) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "pause":
		err = s.engine.PauseWorkflow(ctx, execID)
	case "resume":
		err = s.engine.ResumeWorkflow(ctx, execID)
	case "cancel":
		err = s.engine.CancelWorkflow(ctx, execID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return toolError(action+" failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": execID, "action": action})
}

func (s *Server) handleActive(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"executions": s.engine.GetActiveExecutions()})
}

func (s *Server) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	stats, err := s.engine.GetWorkflowStats(ctx, userID)
	if err != nil {
		return toolError("stats failed", err), nil
	}
	return marshalResult(stats)
}

func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	sched, err := s.scheduler.Add(ctx, workflowID, userID, cronExpr, mcp.ParseStringMap(req, "input", nil))
	if err != nil {
		return toolError("schedule failed", err), nil
	}
	return marshalResult(sched)
}

func (s *Server) handleHandoff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError("from is required"), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError("to is required"), nil
	}
	s.captureSession(ctx, from)

	var data any
	if raw, ok := req.GetArguments()["data"]; ok {
		data = raw
	}
	h, err := s.engine.HandoffToAgent(ctx, from, to, data)
	if err != nil {
		return toolError("handoff failed", err), nil
	}
	return marshalResult(h)
}

func (s *Server) handleMessageSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError("from is required"), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError("to is required"), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content is required"), nil
	}
	s.captureSession(ctx, from)

	msg, err := s.engine.SendAgentMessage(ctx, from, to, content)
	if err != nil {
		return toolError("send failed", err), nil
	}
	return marshalResult(msg)
}

func (s *Server) handleMessageList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	s.captureSession(ctx, agentID)

	msgs := s.engine.GetAgentMessages(agentID)
	if req.GetBool("mark_read", false) {
		for _, m := range msgs {
			if err := s.engine.MarkMessageRead(m.ID); err != nil {
				s.logger.WarnContext(ctx, "mark message read failed",
					"message_id", m.ID, "error", err)
			}
		}
	}
	if msgs == nil {
		msgs = []schema.AgentMessage{}
	}
	return marshalResult(map[string]any{"messages": msgs})
}

// --- Internal helpers ---

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// decodeArg re-decodes a loosely typed argument into target.
func decodeArg(args map[string]any, key string, target any) error {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// errorPayload renders err with its code when it is an OrchestraError.
func errorPayload(err error) map[string]any {
	var oe *schema.OrchestraError
	if errors.As(err, &oe) {
		out := map[string]any{"code": oe.Code, "message": oe.Message}
		if len(oe.Details) > 0 {
			out["details"] = oe.Details
		}
		return out
	}
	return map[string]any{"message": err.Error()}
}

// toolError reports err as a tool-level error result.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
