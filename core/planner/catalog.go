package planner

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PatternStep is one archetype in a task pattern. DependsOn names archetypes
// declared earlier in the same pattern, which keeps plans acyclic by
// construction.
type PatternStep struct {
	Name        string      `yaml:"name"`
	Type        SubgoalType `yaml:"type"`
	Description string      `yaml:"description,omitempty"`
	Agent       string      `yaml:"agent"`
	DependsOn   []string    `yaml:"depends_on,omitempty"`
	Priority    int         `yaml:"priority,omitempty"`
}

// TaskPattern describes the subgoal archetypes for one intent type.
type TaskPattern struct {
	IntentType         string        `yaml:"intent_type"`
	Steps              []PatternStep `yaml:"steps"`
	RequiresSimulation bool          `yaml:"requires_simulation,omitempty"`
}

// PatternCatalog resolves a task pattern by intent type. Read-only.
type PatternCatalog interface {
	Pattern(intentType string) (*TaskPattern, bool)
}

// AgentProfile is one entry in the agent catalog.
type AgentProfile struct {
	ID            string   `yaml:"id"`
	Capabilities  []string `yaml:"capabilities"`
	ComplexityMin float64  `yaml:"complexity_min"`
	ComplexityMax float64  `yaml:"complexity_max"`
}

// AgentCatalog lists known agents in declaration order. Read-only.
type AgentCatalog interface {
	Agent(id string) (*AgentProfile, bool)
	Agents() []*AgentProfile
}

// StaticPatternCatalog serves patterns from memory.
type StaticPatternCatalog struct {
	patterns map[string]*TaskPattern
}

// NewStaticPatternCatalog indexes patterns by intent type.
func NewStaticPatternCatalog(patterns []*TaskPattern) *StaticPatternCatalog {
	byType := make(map[string]*TaskPattern, len(patterns))
	for _, p := range patterns {
		if p != nil && p.IntentType != "" {
			byType[p.IntentType] = p
		}
	}
	return &StaticPatternCatalog{patterns: byType}
}

func (c *StaticPatternCatalog) Pattern(intentType string) (*TaskPattern, bool) {
	p, ok := c.patterns[intentType]
	return p, ok
}

// StaticAgentCatalog serves agent profiles from memory, preserving order.
type StaticAgentCatalog struct {
	agents []*AgentProfile
	byID   map[string]*AgentProfile
}

// NewStaticAgentCatalog indexes agents by ID, keeping declaration order.
func NewStaticAgentCatalog(agents []*AgentProfile) *StaticAgentCatalog {
	byID := make(map[string]*AgentProfile, len(agents))
	kept := make([]*AgentProfile, 0, len(agents))
	for _, a := range agents {
		if a == nil || a.ID == "" {
			continue
		}
		byID[a.ID] = a
		kept = append(kept, a)
	}
	return &StaticAgentCatalog{agents: kept, byID: byID}
}

func (c *StaticAgentCatalog) Agent(id string) (*AgentProfile, bool) {
	a, ok := c.byID[id]
	return a, ok
}

func (c *StaticAgentCatalog) Agents() []*AgentProfile {
	return c.agents
}

type patternsFile struct {
	Patterns []*TaskPattern `yaml:"patterns"`
}

// LoadPatternCatalog reads a YAML pattern catalog.
func LoadPatternCatalog(path string) (*StaticPatternCatalog, error) {
	if path == "" {
		return nil, errors.New("pattern catalog path is empty")
	}
	// #nosec G304 -- catalog path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern catalog %s: %w", path, err)
	}
	return ParsePatternCatalog(data)
}

// ParsePatternCatalog parses a pattern catalog from YAML bytes.
func ParsePatternCatalog(data []byte) (*StaticPatternCatalog, error) {
	var file patternsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pattern catalog: %w", err)
	}
	if len(file.Patterns) == 0 {
		return nil, errors.New("pattern catalog has no patterns")
	}
	for _, p := range file.Patterns {
		if err := validatePattern(p); err != nil {
			return nil, err
		}
	}
	return NewStaticPatternCatalog(file.Patterns), nil
}

func validatePattern(p *TaskPattern) error {
	if p.IntentType == "" {
		return errors.New("pattern missing intent_type")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pattern %s has no steps", p.IntentType)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		if step.Name == "" || step.Agent == "" {
			return fmt.Errorf("pattern %s: step needs name and agent", p.IntentType)
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("pattern %s: step %s depends on %s which is not an earlier step", p.IntentType, step.Name, dep)
			}
		}
		if seen[step.Name] {
			return fmt.Errorf("pattern %s: duplicate step %s", p.IntentType, step.Name)
		}
		seen[step.Name] = true
	}
	return nil
}

type agentsFile struct {
	Agents []*AgentProfile `yaml:"agents"`
}

// LoadAgentCatalog reads a YAML agent catalog.
func LoadAgentCatalog(path string) (*StaticAgentCatalog, error) {
	if path == "" {
		return nil, errors.New("agent catalog path is empty")
	}
	// #nosec G304 -- catalog path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent catalog %s: %w", path, err)
	}
	return ParseAgentCatalog(data)
}

// ParseAgentCatalog parses an agent catalog from YAML bytes.
func ParseAgentCatalog(data []byte) (*StaticAgentCatalog, error) {
	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, errors.New("agent catalog has no agents")
	}
	for _, a := range file.Agents {
		if a.ID == "" {
			return nil, errors.New("agent missing id")
		}
		if a.ComplexityMax == 0 {
			a.ComplexityMax = 1
		}
		if a.ComplexityMin < 0 || a.ComplexityMax > 1 || a.ComplexityMin > a.ComplexityMax {
			return nil, fmt.Errorf("agent %s: invalid complexity range [%v, %v]", a.ID, a.ComplexityMin, a.ComplexityMax)
		}
	}
	return NewStaticAgentCatalog(file.Agents), nil
}
