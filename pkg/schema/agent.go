package schema

import "time"

// Role is a descriptive tag for an agent. The engine does not enforce roles.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleResearcher   Role = "researcher"
	RoleWriter       Role = "writer"
	RoleAnalyzer     Role = "analyzer"
	RoleReviewer     Role = "reviewer"
	RoleRouter       Role = "router"
)

// Roles lists the known agent roles.
var Roles = []Role{RoleOrchestrator, RoleResearcher, RoleWriter, RoleAnalyzer, RoleReviewer, RoleRouter}

// Agent is the configuration of an autonomous worker as returned by the agent registry.
type Agent struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Role      Role           `json:"role,omitempty" yaml:"role,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"-"`
}

// Config holds the orchestrator tunables. Only MaxConcurrentAgents is enforced by
// the engine; the timeouts and retry count are advisory values for callers and executors.
type Config struct {
	MaxConcurrentAgents int           `json:"maxConcurrentAgents"`
	CoordinationTimeout time.Duration `json:"coordinationTimeout"`
	HandoffTimeout      time.Duration `json:"handoffTimeout"`
	RetryAttempts       int           `json:"retryAttempts"`
}

// DefaultConfig is the stock orchestrator configuration.
var DefaultConfig = Config{
	MaxConcurrentAgents: 5,
	CoordinationTimeout: 5 * time.Minute,
	HandoffTimeout:      30 * time.Second,
	RetryAttempts:       3,
}

// HandoffStatusPending is the initial status of every audited handoff.
const HandoffStatusPending = "pending"

// Handoff is an audited record of one agent passing work to another.
type Handoff struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Data      any       `json:"data,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageStatus is the delivery state of an AgentMessage.
type MessageStatus string

const (
	MessageSent MessageStatus = "sent"
	MessageRead MessageStatus = "read"
)

// AgentMessage is an in-memory text message between two agents.
type AgentMessage struct {
	ID        string        `json:"id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status"`
}
