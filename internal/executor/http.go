package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// HTTPConfig configures agents reached over HTTP.
type HTTPConfig struct {
	Timeout         time.Duration
	MaxResponseBody int64
	Headers         map[string]string
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 2 * time.Minute
)

// HTTPFactory builds an HTTPExecutor for each agent that declares an endpoint.
type HTTPFactory struct {
	config HTTPConfig
}

// NewHTTPFactory creates an HTTP executor factory.
func NewHTTPFactory(cfg HTTPConfig) *HTTPFactory {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPFactory{config: cfg}
}

func (f *HTTPFactory) New(agent *schema.Agent) (Executor, error) {
	if agent.Endpoint == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent %q has no endpoint", agent.ID)
	}
	u, err := url.ParseRequestURI(agent.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent %q: invalid endpoint %q", agent.ID, agent.Endpoint)
	}
	return &HTTPExecutor{
		agentID:  agent.ID,
		endpoint: strings.TrimRight(agent.Endpoint, "/"),
		config:   f.config,
	}, nil
}

// HTTPExecutor POSTs tasks to {endpoint}/tasks and memory flushes to {endpoint}/memory.
type HTTPExecutor struct {
	agentID  string
	endpoint string
	config   HTTPConfig

	mu      sync.Mutex
	taskIDs []string
}

func (e *HTTPExecutor) Execute(ctx context.Context, task *Task) (any, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent %s: marshal task", e.agentID).WithCause(err)
	}
	data, err := e.post(ctx, "/tasks", body)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.taskIDs = append(e.taskIDs, task.ID)
	e.mu.Unlock()

	return decodeOutput(e.agentID, data)
}

// decodeOutput unwraps {"output": ...} envelopes and surfaces {"error": "..."} as a
// step failure. Any other JSON body is the output itself; non-JSON bodies are text.
func decodeOutput(agentID string, data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data), nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	if msg, ok := m["error"].(string); ok && msg != "" {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "agent %s: %s", agentID, msg)
	}
	if out, ok := m["output"]; ok {
		return out, nil
	}
	return m, nil
}

// PersistMemory asks the agent to flush long-term memory for the tasks it ran.
func (e *HTTPExecutor) PersistMemory(ctx context.Context) error {
	e.mu.Lock()
	ids := append([]string(nil), e.taskIDs...)
	e.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]any{"agent_id": e.agentID, "task_ids": ids})
	if err != nil {
		return err
	}
	if _, err := e.post(ctx, "/memory", body); err != nil {
		return err
	}
	e.mu.Lock()
	e.taskIDs = e.taskIDs[len(ids):]
	e.mu.Unlock()
	return nil
}

func (e *HTTPExecutor) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent %s: create request", e.agentID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.config.Client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "agent %s: request timed out after %s", e.agentID, e.config.Timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent %s: request failed: %v", e.agentID, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent %s: read response", e.agentID).WithCause(err)
	}
	if resp.StatusCode >= 400 {
		code := schema.ErrCodeValidation
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "agent %s: %s returned %d", e.agentID, path, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(data), 512)})
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:n], len(s))
}
