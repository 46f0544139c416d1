package schema

import "time"

// Workflow is a named, persisted, ordered plan of steps plus the agents it may invoke.
type Workflow struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Agents      []string       `json:"agents"`
	Steps       []Step         `json:"steps"`
	Settings    map[string]any `json:"settings"`
	Status      WorkflowStatus `json:"status"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HasAgent reports whether id is one of the workflow's agents.
func (w *Workflow) HasAgent(id string) bool {
	for _, a := range w.Agents {
		if a == id {
			return true
		}
	}
	return false
}

// Step is one unit of delegated work, bound to a specific agent.
type Step struct {
	Name        string         `json:"name" yaml:"name"`
	AgentID     string         `json:"agentId" yaml:"agentId"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Required    *bool          `json:"required,omitempty" yaml:"required,omitempty"`
	When        string         `json:"when,omitempty" yaml:"when,omitempty"`     // CEL condition; step is skipped when false
	Select      string         `json:"select,omitempty" yaml:"select,omitempty"` // jq filter applied to the output
	Retry       *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// IsRequired returns true unless the step explicitly opted out with required=false.
func (s Step) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// TaskDescription is the description handed to the agent, falling back to the step name.
func (s Step) TaskDescription() string {
	if s.Description != "" {
		return s.Description
	}
	return s.Name
}

// RetryPolicy configures re-dispatch of a failed step.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// WorkflowTemplate is a canned workflow definition served by the template registry.
type WorkflowTemplate struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Agents      []string       `json:"agents" yaml:"agents"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Settings    map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// WorkflowStats aggregates a user's workflows by status.
type WorkflowStats struct {
	Total    int                    `json:"total"`
	ByStatus map[WorkflowStatus]int `json:"by_status"`
	Active   int                    `json:"active_executions"`
}

// Settings keys understood by the engine.
const (
	SettingInputSchema  = "inputSchema"
	SettingSingleFlight = "singleFlight"
	SettingSummary      = "summary"
)
