package planner

import (
	"fmt"
	"strings"
)

// Routing confidence tiers.
const (
	confidenceFull       = 0.95
	confidenceCapability = 0.7
	confidenceFallback   = 0.5
)

// Route matches a subgoal against its assigned agent's declared capabilities
// and complexity range, and lists alternative agents with matching
// capabilities.
func (p *Planner) Route(subgoal *Subgoal) (*Routing, error) {
	if subgoal == nil || subgoal.Agent == "" {
		return nil, fmt.Errorf("subgoal with agent required")
	}
	profile, ok := p.agents.Agent(subgoal.Agent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, subgoal.Agent)
	}

	capMatch := capabilityMatches(profile.Capabilities, subgoal.Type)
	inRange := subgoal.Complexity >= profile.ComplexityMin && subgoal.Complexity <= profile.ComplexityMax

	confidence := confidenceFallback
	switch {
	case capMatch && inRange:
		confidence = confidenceFull
	case capMatch:
		confidence = confidenceCapability
	}

	var alternatives []string
	for _, other := range p.agents.Agents() {
		if other.ID == profile.ID {
			continue
		}
		if capabilityMatches(other.Capabilities, subgoal.Type) {
			alternatives = append(alternatives, other.ID)
		}
	}

	return &Routing{
		Agent:        profile.ID,
		Confidence:   confidence,
		Alternatives: alternatives,
	}, nil
}

// capabilityMatches reports whether the subgoal type textually matches one of
// the declared capability prefixes.
func capabilityMatches(capabilities []string, t SubgoalType) bool {
	for _, c := range capabilities {
		if c == "" {
			continue
		}
		if strings.HasPrefix(string(t), c) {
			return true
		}
	}
	return false
}
