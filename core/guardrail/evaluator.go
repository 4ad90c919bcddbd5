// Package guardrail gates stage invocations behind operator policy: kill
// switches, destructive-action approvals, iteration caps, autonomy levels,
// and cost/duration budgets.
package guardrail

import (
	"context"
	"strings"
	"time"

	"github.com/valora-ai/valora/core/audit"
	"github.com/valora-ai/valora/core/infra/config"
	"github.com/valora-ai/valora/core/infra/metrics"
)

// Denial reasons. Audit records carry these verbatim.
const (
	ReasonKillSwitch       = "autonomy kill-switch enabled"
	ReasonAgentKillSwitch  = "agent kill-switch enabled"
	ReasonApprovalRequired = "destructive action requires approval"
	ReasonIterationLimit   = "iteration limit exceeded"
	ReasonObserveOnly      = "autonomy level observe permits read-only stages only"
	ReasonAssistApproval   = "action requires approval at autonomy level assist"
	ReasonDurationBudget   = "duration budget exceeded"
	ReasonCostBudget       = "cost budget exceeded"
	ReasonHourlyCostBudget = "hourly cost budget exceeded"
)

// Context map keys the evaluator consults on the execution.
const (
	ContextKeyApprovals     = "approvals"
	ContextKeyExecutedSteps = "executed_steps"
)

// StageInfo is the evaluator's view of a proposed stage invocation.
type StageInfo struct {
	StageID  string
	AgentID  string
	Actions  []string
	ReadOnly bool
}

// ExecutionInfo is the evaluator's view of the running execution.
// HourlySpendUsd is the caller's spend across all executions over the
// trailing hour, checked against the global per-hour cost cap.
type ExecutionInfo struct {
	ID             string
	StartedAt      time.Time
	CostUsd        float64
	HourlySpendUsd float64
	Context        map[string]any
}

// Decision is the outcome of a guardrail check. Terminal denials (budget
// exhaustion) must not be retried.
type Decision struct {
	Allowed  bool
	Reason   string
	Terminal bool
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

func denyTerminal(reason string) Decision { return Decision{Reason: reason, Terminal: true} }

// Evaluator checks proposed stage invocations against the live autonomy
// policy. The policy is fetched fresh on every call so an operator can halt
// in-flight workflows at their next stage boundary.
type Evaluator struct {
	source  config.AutonomySource
	sink    audit.Sink
	metrics metrics.Metrics
	now     func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithAuditSink sets the sink for denial records.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Evaluator) { e.sink = sink }
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// New constructs an Evaluator over a live policy source.
func New(source config.AutonomySource, opts ...Option) *Evaluator {
	e := &Evaluator{
		source:  source,
		sink:    audit.Noop{},
		metrics: metrics.Noop{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the ordered guardrail checks. The first failing check
// short-circuits; no side-effecting work has happened at that point.
func (e *Evaluator) Evaluate(ctx context.Context, exec ExecutionInfo, stage StageInfo) Decision {
	cfg := e.source.Autonomy()
	decision := e.evaluate(cfg, exec, stage)
	if !decision.Allowed {
		e.metrics.IncGuardrailDenied(decision.Reason)
		audit.Emit(ctx, e.sink, audit.Event{
			ExecutionID: exec.ID,
			StageID:     stage.StageID,
			Action:      audit.ActionGuardrailDenied,
			Reason:      decision.Reason,
		})
	}
	return decision
}

func (e *Evaluator) evaluate(cfg *config.AutonomyConfig, exec ExecutionInfo, stage StageInfo) Decision {
	if cfg == nil {
		return allow()
	}

	// 1. Global kill switch.
	if cfg.KillSwitchEnabled {
		return deny(ReasonKillSwitch)
	}

	// 2. Per-agent kill switch. Absence means "not disabled".
	agent := cfg.AgentPolicyFor(stage.AgentID)
	if agent.KillSwitch != nil && *agent.KillSwitch {
		return deny(ReasonAgentKillSwitch)
	}

	// 3. Destructive-action approval.
	if hasDestructiveAction(stage.Actions, cfg.DestructiveKeywords) && !approved(exec) {
		return deny(ReasonApprovalRequired)
	}

	// 4. Per-agent iteration cap.
	if agent.MaxIterations > 0 {
		if countAgentSteps(exec.Context, stage.AgentID) >= agent.MaxIterations {
			return deny(ReasonIterationLimit)
		}
	}

	// 5. Autonomy level.
	switch agent.AutonomyLevel {
	case config.AutonomyObserve:
		if !stage.ReadOnly {
			return deny(ReasonObserveOnly)
		}
	case config.AutonomyAssist:
		if requiresExplicitApproval(stage.Actions, cfg.AlwaysRequireApproval) && !approved(exec) {
			return deny(ReasonAssistApproval)
		}
	}

	// 6. Budgets. Exhaustion is terminal, never retried.
	if maxDur := tighterInt64(cfg.GlobalBudget.MaxDurationMs, cfg.ExecutionBudget.MaxDurationMs); maxDur > 0 && !exec.StartedAt.IsZero() {
		if e.now().Sub(exec.StartedAt) > time.Duration(maxDur)*time.Millisecond {
			return denyTerminal(ReasonDurationBudget)
		}
	}
	if maxCost := tighterFloat(cfg.GlobalBudget.MaxCostUsd, cfg.ExecutionBudget.MaxCostUsd); maxCost > 0 {
		if exec.CostUsd > maxCost {
			return denyTerminal(ReasonCostBudget)
		}
	}
	if hourlyCap := cfg.Global.MaxCostPerHourUsd; hourlyCap > 0 {
		if exec.HourlySpendUsd > hourlyCap {
			return denyTerminal(ReasonHourlyCostBudget)
		}
	}

	return allow()
}

// approved reports whether the execution context carries an explicit approval
// entry keyed by the execution id.
func approved(exec ExecutionInfo) bool {
	raw, ok := exec.Context[ContextKeyApprovals]
	if !ok {
		return false
	}
	switch approvals := raw.(type) {
	case map[string]bool:
		return approvals[exec.ID]
	case map[string]any:
		v, ok := approvals[exec.ID].(bool)
		return ok && v
	default:
		return false
	}
}

// hasDestructiveAction matches action names against keywords by
// case-sensitive containment.
func hasDestructiveAction(actions, keywords []string) bool {
	for _, action := range actions {
		for _, kw := range keywords {
			if kw != "" && strings.Contains(action, kw) {
				return true
			}
		}
	}
	return false
}

func requiresExplicitApproval(actions, always []string) bool {
	for _, action := range actions {
		for _, listed := range always {
			if listed != "" && action == listed {
				return true
			}
		}
	}
	return false
}

// countAgentSteps counts prior executed steps attributable to the agent.
func countAgentSteps(execCtx map[string]any, agentID string) int {
	raw, ok := execCtx[ContextKeyExecutedSteps]
	if !ok {
		return 0
	}
	count := 0
	switch steps := raw.(type) {
	case []map[string]any:
		for _, step := range steps {
			if step["agent"] == agentID {
				count++
			}
		}
	case []any:
		for _, item := range steps {
			if step, ok := item.(map[string]any); ok && step["agent"] == agentID {
				count++
			}
		}
	}
	return count
}

// tighterInt64 returns the smaller non-zero limit.
func tighterInt64(a, b int64) int64 {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func tighterFloat(a, b float64) float64 {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
