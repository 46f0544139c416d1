package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// AgentStore is the subset of store.Store the agent registry needs.
type AgentStore interface {
	RegisterAgent(ctx context.Context, agent *schema.Agent) error
	GetAgent(ctx context.Context, id string) (*schema.Agent, error)
	ListAgents(ctx context.Context) ([]*schema.Agent, error)
}

var _ AgentStore = (store.Store)(nil)

// ValidateAgent checks required fields on an Agent. Roles are descriptive, but an
// unknown role is almost always a typo in an agents file.
func ValidateAgent(agent *schema.Agent) error {
	if agent.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if agent.Name == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q: name is required", agent.ID)
	}
	if agent.Role == "" {
		return nil
	}
	for _, r := range schema.Roles {
		if agent.Role == r {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"agent %q: invalid role %q: must be one of %v", agent.ID, agent.Role, schema.Roles)
}

// Agents is the store-backed agent registry.
type Agents struct {
	store  AgentStore
	logger *slog.Logger
}

// NewAgents creates an agent registry over s.
func NewAgents(s AgentStore, logger *slog.Logger) *Agents {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Agents{store: s, logger: logger}
}

// FindByID returns the agent or a NOT_FOUND error.
func (r *Agents) FindByID(ctx context.Context, id string) (*schema.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// Register validates and upserts an agent.
func (r *Agents) Register(ctx context.Context, agent *schema.Agent) error {
	if err := ValidateAgent(agent); err != nil {
		return err
	}
	return r.store.RegisterAgent(ctx, agent)
}

// List returns every registered agent ordered by id.
func (r *Agents) List(ctx context.Context) ([]*schema.Agent, error) {
	return r.store.ListAgents(ctx)
}

type agentsFile struct {
	Agents []*schema.Agent `yaml:"agents"`
}

// LoadFile registers every agent declared in a YAML file of the form
//
//	agents:
//	  - id: researcher
//	    name: Researcher
//	    role: researcher
//	    endpoint: http://localhost:9001
//
// and returns the number of agents registered. Nothing is registered when any
// entry is invalid.
func (r *Agents) LoadFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read agents file: %w", err)
	}
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "parse agents file %s: %s", path, err.Error()).WithCause(err)
	}
	seen := make(map[string]bool, len(f.Agents))
	for _, a := range f.Agents {
		if err := ValidateAgent(a); err != nil {
			return 0, err
		}
		if seen[a.ID] {
			return 0, schema.NewErrorf(schema.ErrCodeConflict, "agent %q declared twice in %s", a.ID, path)
		}
		seen[a.ID] = true
	}
	for _, a := range f.Agents {
		if err := r.store.RegisterAgent(ctx, a); err != nil {
			return 0, fmt.Errorf("register agent %s: %w", a.ID, err)
		}
	}
	r.logger.Info("agents loaded", "path", path, "count", len(f.Agents))
	return len(f.Agents), nil
}
