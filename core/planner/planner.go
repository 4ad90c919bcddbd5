// Package planner decomposes task intents into dependency-ordered subgoals.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/valora-ai/valora/core/audit"
	"github.com/valora-ai/valora/core/graph"
	"github.com/valora-ai/valora/core/infra/metrics"
)

var (
	// ErrUnknownIntentType is returned when no pattern exists for an intent.
	ErrUnknownIntentType = errors.New("unknown intent type")
	// ErrUnknownAgent is returned when routing references an uncataloged agent.
	ErrUnknownAgent = errors.New("unknown agent")
)

const (
	defaultPriority       = 5
	defaultHighComplexity = 0.7
	baseComplexityDefault = 0.5
	contextComplexityCap  = 0.2
)

var baseComplexityByType = map[SubgoalType]float64{
	SubgoalDiscovery:  0.3,
	SubgoalAnalysis:   0.6,
	SubgoalDesign:     0.7,
	SubgoalValidation: 0.5,
	SubgoalExecution:  0.8,
	SubgoalMonitoring: 0.4,
	SubgoalReporting:  0.3,
}

// Planner turns task intents into TaskPlans using a pattern catalog and
// validates ordering with the dependency graph.
type Planner struct {
	patterns PatternCatalog
	agents   AgentCatalog
	sink     audit.Sink
	metrics  metrics.Metrics

	highComplexity float64
	now            func() time.Time
	newID          func() string
}

// Option configures a Planner.
type Option func(*Planner)

// WithAuditSink sets the audit sink for plan-creation events.
func WithAuditSink(sink audit.Sink) Option {
	return func(p *Planner) { p.sink = sink }
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m metrics.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// WithHighComplexityThreshold overrides the simulation threshold.
func WithHighComplexityThreshold(v float64) Option {
	return func(p *Planner) {
		if v > 0 && v <= 1 {
			p.highComplexity = v
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// WithIDGenerator overrides ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(p *Planner) { p.newID = gen }
}

// New constructs a Planner over the given catalogs.
func New(patterns PatternCatalog, agents AgentCatalog, opts ...Option) *Planner {
	p := &Planner{
		patterns:       patterns,
		agents:         agents,
		sink:           audit.Noop{},
		metrics:        metrics.Noop{},
		highComplexity: defaultHighComplexity,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan resolves the intent's pattern, synthesizes subgoals, computes a valid
// execution order, and scores the plan.
func (p *Planner) Plan(ctx context.Context, intent *TaskIntent) (*TaskPlan, error) {
	if intent == nil || intent.ID == "" {
		return nil, errors.New("intent with id required")
	}
	pattern, ok := p.patterns.Pattern(intent.IntentType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntentType, intent.IntentType)
	}

	now := p.now().UTC()
	idByStep := make(map[string]string, len(pattern.Steps))
	for _, step := range pattern.Steps {
		idByStep[step.Name] = p.newID()
	}

	subgoals := make([]*Subgoal, 0, len(pattern.Steps))
	for _, step := range pattern.Steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, name := range step.DependsOn {
			id, ok := idByStep[name]
			if !ok {
				return nil, fmt.Errorf("pattern %s: step %s references unknown archetype %s", pattern.IntentType, step.Name, name)
			}
			deps = append(deps, id)
		}

		sgCtx := make(map[string]any, len(intent.Context)+1)
		for k, v := range intent.Context {
			sgCtx[k] = v
		}
		sgCtx["intent_type"] = intent.IntentType

		priority := step.Priority
		if priority == 0 {
			priority = defaultPriority
		}
		desc := step.Description
		if desc == "" {
			desc = fmt.Sprintf("%s for task %s", step.Name, intent.ID)
		}

		sg := &Subgoal{
			ID:          idByStep[step.Name],
			TaskID:      intent.ID,
			Type:        step.Type,
			Description: desc,
			Agent:       step.Agent,
			DependsOn:   deps,
			Status:      SubgoalPending,
			Priority:    priority,
			Complexity:  estimateComplexity(step.Type, sgCtx),
			Context:     sgCtx,
			CreatedAt:   now,
		}
		subgoals = append(subgoals, sg)
	}

	// Archetypes only reference earlier steps, but validate anyway so a
	// corrupt catalog cannot produce an unorderable plan.
	nodes := make([]graph.Node, len(subgoals))
	for i, sg := range subgoals {
		nodes[i] = graph.Node{ID: sg.ID, DependsOn: sg.DependsOn}
	}
	order, err := graph.TopologicalSort(nodes)
	if err != nil {
		return nil, err
	}

	complexity := aggregateComplexity(subgoals)
	plan := &TaskPlan{
		TaskID:             intent.ID,
		Subgoals:           subgoals,
		ExecutionOrder:     order,
		Complexity:         complexity,
		RequiresSimulation: pattern.RequiresSimulation || complexity > p.highComplexity,
		CreatedAt:          now,
	}

	p.metrics.IncPlansCreated(intent.IntentType)
	audit.Emit(ctx, p.sink, audit.Event{
		TaskID: intent.ID,
		Action: audit.ActionPlanCreated,
		Details: map[string]any{
			"intent_type":         intent.IntentType,
			"subgoal_count":       len(subgoals),
			"complexity":          complexity,
			"requires_simulation": plan.RequiresSimulation,
		},
	})
	return plan, nil
}

// estimateComplexity scores one subgoal from its type base value plus a
// context-size adjustment, clamped to 1.
func estimateComplexity(t SubgoalType, context map[string]any) float64 {
	base, ok := baseComplexityByType[t]
	if !ok {
		base = baseComplexityDefault
	}
	adj := float64(len(context)) / 20
	if adj > contextComplexityCap {
		adj = contextComplexityCap
	}
	return clamp01(base + adj)
}

// aggregateComplexity blends mean subgoal complexity with a count factor and
// a dependency-density factor. The arithmetic is preserved exactly for
// compatibility; changing it is a behavioral break.
func aggregateComplexity(subgoals []*Subgoal) float64 {
	if len(subgoals) == 0 {
		return 0
	}
	var sum float64
	var edges int
	for _, sg := range subgoals {
		sum += sg.Complexity
		edges += len(sg.DependsOn)
	}
	n := float64(len(subgoals))
	mean := sum / n

	countFactor := n / 10
	if countFactor > 1 {
		countFactor = 1
	}
	densityFactor := float64(edges) / (2 * n)
	if densityFactor > 1 {
		densityFactor = 1
	}
	return clamp01((mean + countFactor + densityFactor) / 3)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
