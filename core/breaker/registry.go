// Package breaker tracks failure streaks per executable target and blocks
// calls to targets that keep failing until a cooldown elapses.
package breaker

import (
	"sync"
	"time"

	"github.com/valora-ai/valora/core/infra/metrics"
)

// State is the circuit state for one target key.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	defaultThreshold      = 5
	defaultTimeoutSeconds = 30
)

// Config sets the trip threshold and cooldown for a registry.
type Config struct {
	Threshold      int
	TimeoutSeconds int
}

// Snapshot is the externally visible state for one key.
type Snapshot struct {
	Key             string     `json:"key"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	Threshold       int        `json:"threshold"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
}

type circuit struct {
	state        State
	failureCount int
	lastFailure  time.Time
}

// Registry owns circuit state per target key. Shared across executions that
// target the same stage or agent; all mutations happen under one lock so
// concurrent attempts cannot lose failure counts.
type Registry struct {
	cfg     Config
	metrics metrics.Metrics

	mu       sync.Mutex
	circuits map[string]*circuit

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs a Registry with the given config.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultTimeoutSeconds
	}
	r := &Registry{
		cfg:      cfg,
		metrics:  metrics.Noop{},
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow reports whether a call to the target may proceed. An open circuit
// admits exactly one trial call after the cooldown elapses, transitioning to
// half-open.
func (r *Registry) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(key)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if r.now().Sub(c.lastFailure) >= time.Duration(r.cfg.TimeoutSeconds)*time.Second {
			c.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		// The single trial was admitted at the open -> half-open transition.
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure streak. A success in half-open closes the
// circuit.
func (r *Registry) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(key)
	switch c.state {
	case StateHalfOpen, StateOpen:
		c.state = StateClosed
		c.failureCount = 0
	case StateClosed:
		c.failureCount = 0
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold. A
// failure during the half-open trial reopens immediately.
func (r *Registry) RecordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(key)
	c.failureCount++
	c.lastFailure = r.now()
	switch c.state {
	case StateClosed:
		if c.failureCount >= r.cfg.Threshold {
			c.state = StateOpen
			r.metrics.IncBreakerOpened(key)
		}
	case StateHalfOpen:
		c.state = StateOpen
		r.metrics.IncBreakerOpened(key)
	}
}

// StateOf returns the current state for a key without side effects.
func (r *Registry) StateOf(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[key]
	if !ok {
		return StateClosed
	}
	return c.state
}

// SnapshotOf returns the visible state for one key.
func (r *Registry) SnapshotOf(key string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Key:            key,
		State:          StateClosed,
		Threshold:      r.cfg.Threshold,
		TimeoutSeconds: r.cfg.TimeoutSeconds,
	}
	if c, ok := r.circuits[key]; ok {
		snap.State = c.state
		snap.FailureCount = c.failureCount
		if !c.lastFailure.IsZero() {
			lf := c.lastFailure
			snap.LastFailureTime = &lf
		}
	}
	return snap
}

// SnapshotAll returns the visible state of every tracked key.
func (r *Registry) SnapshotAll() []Snapshot {
	r.mu.Lock()
	keys := make([]string, 0, len(r.circuits))
	for key := range r.circuits {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.SnapshotOf(key))
	}
	return out
}

// Reset returns a key to closed with a clean streak.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[key]; ok {
		c.state = StateClosed
		c.failureCount = 0
	}
}

func (r *Registry) get(key string) *circuit {
	c, ok := r.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		r.circuits[key] = c
	}
	return c
}
