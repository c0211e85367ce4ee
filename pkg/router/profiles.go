package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/helmsman-ai/helmsman/pkg/core"
)

// Profiles maps agent types onto model names. Every agent type the control
// plane routes for must have an entry.
type Profiles struct {
	Models map[core.AgentType]string `yaml:"models"`
}

// DefaultProfiles routes every agent type to the given model.
func DefaultProfiles(model string) Profiles {
	return Profiles{Models: map[core.AgentType]string{
		core.AgentPlanner:    model,
		core.AgentExecutor:   model,
		core.AgentCritic:     model,
		core.AgentSummarizer: model,
	}}
}

// LoadProfiles reads a YAML profile file.
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profiles{}, err
	}
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profiles{}, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profiles{}, err
	}
	return p, nil
}

// Model returns the model for an agent type.
func (p Profiles) Model(agent core.AgentType) (string, bool) {
	model, ok := p.Models[agent]
	return model, ok && model != ""
}

// Validate checks that every known agent type has a model.
func (p Profiles) Validate() error {
	for _, agent := range []core.AgentType{core.AgentPlanner, core.AgentExecutor, core.AgentCritic, core.AgentSummarizer} {
		if _, ok := p.Model(agent); !ok {
			return fmt.Errorf("profiles: no model for agent %s", agent)
		}
	}
	return nil
}
