package store

import (
	"context"

	"github.com/rendis/orchestra/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	// GetWorkflow returns (nil, nil) when the workflow is absent or owned by another user.
	GetWorkflow(ctx context.Context, id, userID string) (*schema.Workflow, error)
	// GetWorkflowByID loads a workflow regardless of owner; NOT_FOUND when absent.
	GetWorkflowByID(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, userID string, filter WorkflowFilter) ([]*schema.Workflow, error)
	// UpdateWorkflowStatus sets the status and merges metadataPatch into existing metadata.
	UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus, metadataPatch map[string]any) error
	DeleteWorkflow(ctx context.Context, id, userID string) error
	CountWorkflowsByStatus(ctx context.Context, userID string) (map[schema.WorkflowStatus]int, error)

	// Handoffs (audit)
	CreateHandoff(ctx context.Context, h *schema.Handoff) error
	ListHandoffs(ctx context.Context, filter HandoffFilter) ([]*schema.Handoff, error)
	UpdateHandoffStatus(ctx context.Context, id, status string) error

	// Agents
	RegisterAgent(ctx context.Context, agent *schema.Agent) error
	GetAgent(ctx context.Context, id string) (*schema.Agent, error)
	ListAgents(ctx context.Context) ([]*schema.Agent, error)

	// Journal (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
