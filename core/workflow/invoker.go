package workflow

import (
	"context"
	"fmt"

	"github.com/valora-ai/valora/core/infra/bus"
)

// AgentResult is what an agent reports back for one stage attempt.
type AgentResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	CostUsd float64        `json:"cost_usd,omitempty"`
}

// AgentInvoker dispatches one stage attempt to an agent and waits for its
// result. Implementations must honor ctx cancellation.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentType string, input, execCtx map[string]any) (*AgentResult, error)
}

// agentRequest is the wire payload for a stage invocation.
type agentRequest struct {
	AgentType string         `json:"agent_type"`
	Input     map[string]any `json:"input,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// NatsInvoker dispatches stage invocations over NATS request/reply. Agents
// subscribe on valora.agents.<agent_type>.invoke with a queue group so a
// pool of workers shares the load.
type NatsInvoker struct {
	bus *bus.NatsBus
}

// NewNatsInvoker constructs a NATS-backed agent invoker.
func NewNatsInvoker(b *bus.NatsBus) *NatsInvoker {
	return &NatsInvoker{bus: b}
}

// Invoke sends the stage payload and decodes the agent's reply. The reply
// deadline comes from ctx; the engine derives it from the stage timeout.
func (n *NatsInvoker) Invoke(ctx context.Context, agentType string, input, execCtx map[string]any) (*AgentResult, error) {
	if n == nil || n.bus == nil {
		return nil, fmt.Errorf("nats invoker not connected")
	}
	if agentType == "" {
		return nil, fmt.Errorf("agent type required")
	}
	req := agentRequest{AgentType: agentType, Input: input, Context: execCtx}
	var res AgentResult
	if err := n.bus.Request(ctx, AgentSubject(agentType), req, &res); err != nil {
		return nil, fmt.Errorf("invoke agent %s: %w", agentType, err)
	}
	return &res, nil
}

// AgentSubject returns the NATS subject an agent of the given type serves.
func AgentSubject(agentType string) string {
	return "valora.agents." + agentType + ".invoke"
}
