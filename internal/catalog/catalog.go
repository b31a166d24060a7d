// Package catalog loads the immutable agent roster from configuration.
package catalog

import (
	"fmt"
	"os"

	"github.com/meridianapps/chatdock/internal/domain"
	"gopkg.in/yaml.v3"
)

// Catalog is the fixed set of agents available to every user. It is built
// once at startup and never mutated afterward.
type Catalog struct {
	agents []domain.Agent
	byID   map[string]domain.Agent
}

type catalogFile struct {
	Agents []domain.Agent `yaml:"agents"`
}

// Load reads and validates the agent roster from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from raw YAML.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	return New(file.Agents)
}

// New validates a set of agent descriptors and builds a catalog.
func New(agents []domain.Agent) (*Catalog, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("agent catalog is empty")
	}

	byID := make(map[string]domain.Agent, len(agents))
	defaults := 0
	for _, a := range agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent with empty id (name %q)", a.Name)
		}
		if a.Name == "" {
			return nil, fmt.Errorf("agent %q has no name", a.ID)
		}
		if a.Prompt == "" {
			return nil, fmt.Errorf("agent %q has no prompt template", a.ID)
		}
		if _, dup := byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		if a.IsDefault {
			defaults++
		}
		byID[a.ID] = a
	}
	if defaults > 1 {
		return nil, fmt.Errorf("at most one agent may be marked default, got %d", defaults)
	}

	return &Catalog{agents: append([]domain.Agent(nil), agents...), byID: byID}, nil
}

// Get returns the agent with the given id.
func (c *Catalog) Get(id string) (domain.Agent, bool) {
	a, ok := c.byID[id]
	return a, ok
}

// Agents returns a copy of the roster in declaration order.
func (c *Catalog) Agents() []domain.Agent {
	return append([]domain.Agent(nil), c.agents...)
}

// Default returns the agent flagged is_default, or the first agent when
// none is flagged.
func (c *Catalog) Default() domain.Agent {
	for _, a := range c.agents {
		if a.IsDefault {
			return a
		}
	}
	return c.agents[0]
}
