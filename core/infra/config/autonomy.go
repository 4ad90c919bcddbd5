package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AutonomyLevel controls how much an agent may do without a human.
type AutonomyLevel string

const (
	AutonomyObserve AutonomyLevel = "observe"
	AutonomyAssist  AutonomyLevel = "assist"
	AutonomyAct     AutonomyLevel = "act"
)

// AgentPolicy holds per-agent autonomy settings.
type AgentPolicy struct {
	// KillSwitch disables the agent when explicitly set to true.
	// Absence means "not disabled".
	KillSwitch    *bool         `yaml:"kill_switch,omitempty"`
	MaxIterations int           `yaml:"max_iterations,omitempty"` // 0 = unlimited
	AutonomyLevel AutonomyLevel `yaml:"autonomy_level,omitempty"`
}

// BudgetPolicy caps cost and wall-clock duration.
type BudgetPolicy struct {
	MaxCostUsd    float64 `yaml:"max_cost_usd,omitempty"`
	MaxDurationMs int64   `yaml:"max_duration_ms,omitempty"`
}

// GlobalLimits caps concurrency and spend across all executions.
type GlobalLimits struct {
	MaxConcurrentAgents int     `yaml:"max_concurrent_agents,omitempty"`
	MaxCostPerHourUsd   float64 `yaml:"max_cost_per_hour_usd,omitempty"`
}

// AutonomyConfig is the operator-controlled guardrail policy. It is read
// fresh on every guardrail check so flipping the kill switch halts running
// workflows at their next stage boundary.
type AutonomyConfig struct {
	KillSwitchEnabled     bool                   `yaml:"kill_switch_enabled"`
	DestructiveKeywords   []string               `yaml:"destructive_keywords,omitempty"`
	AlwaysRequireApproval []string               `yaml:"always_require_approval,omitempty"`
	GlobalBudget          BudgetPolicy           `yaml:"global_budget,omitempty"`
	ExecutionBudget       BudgetPolicy           `yaml:"execution_budget,omitempty"`
	Agents                map[string]AgentPolicy `yaml:"agents,omitempty"`
	Global                GlobalLimits           `yaml:"global,omitempty"`
}

// AgentPolicyFor returns the policy for an agent, or a zero policy.
func (c *AutonomyConfig) AgentPolicyFor(agentID string) AgentPolicy {
	if c == nil || c.Agents == nil {
		return AgentPolicy{}
	}
	return c.Agents[agentID]
}

// LoadAutonomyConfig reads YAML from the given path. If the file is missing
// or the path is empty, returns a permissive default with no error.
func LoadAutonomyConfig(path string) (*AutonomyConfig, error) {
	if path == "" {
		return &AutonomyConfig{}, nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AutonomyConfig{}, nil
		}
		return nil, fmt.Errorf("read autonomy config %s: %w", path, err)
	}
	cfg, err := ParseAutonomyConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse autonomy config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseAutonomyConfig parses an autonomy policy from YAML bytes.
func ParseAutonomyConfig(data []byte) (*AutonomyConfig, error) {
	if len(data) == 0 {
		return &AutonomyConfig{}, nil
	}
	var cfg AutonomyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse autonomy config: %w", err)
	}
	for id, agent := range cfg.Agents {
		switch agent.AutonomyLevel {
		case "", AutonomyObserve, AutonomyAssist, AutonomyAct:
		default:
			return nil, fmt.Errorf("agent %s: unknown autonomy level %q", id, agent.AutonomyLevel)
		}
		if agent.MaxIterations < 0 {
			return nil, fmt.Errorf("agent %s: max_iterations must be >= 0", id)
		}
	}
	return &cfg, nil
}
