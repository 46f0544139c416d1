package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// Default pagination for ListWorkflows.
const (
	DefaultListLimit = 50
)

// WorkflowFilter specifies criteria for listing a user's workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// HandoffFilter specifies criteria for listing handoff audit rows.
// AgentID matches either side of the handoff.
type HandoffFilter struct {
	AgentID string `json:"agent_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Event is an entry in the per-workflow orchestration journal.
type Event struct {
	ID          int64           `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Kind        string          `json:"kind"`
	StepName    string          `json:"step_name,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Schedule is a cron-triggered workflow execution.
type Schedule struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	UserID         string         `json:"user_id"`
	CronExpression string         `json:"cron_expression"`
	Input          map[string]any `json:"input,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
