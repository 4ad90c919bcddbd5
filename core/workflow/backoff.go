package workflow

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialDelayMs = 500
	defaultMaxDelayMs     = 30000
	defaultMultiplier     = 2.0
)

// normalizeRetry fills zero-valued retry fields with defaults. A nil config
// gets the full default policy.
func normalizeRetry(rc *RetryConfig) RetryConfig {
	out := RetryConfig{
		MaxAttempts:    defaultMaxAttempts,
		InitialDelayMs: defaultInitialDelayMs,
		MaxDelayMs:     defaultMaxDelayMs,
		Multiplier:     defaultMultiplier,
	}
	if rc == nil {
		return out
	}
	if rc.MaxAttempts > 0 {
		out.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialDelayMs > 0 {
		out.InitialDelayMs = rc.InitialDelayMs
	}
	if rc.MaxDelayMs > 0 {
		out.MaxDelayMs = rc.MaxDelayMs
	}
	if rc.Multiplier >= 1 {
		out.Multiplier = rc.Multiplier
	}
	out.Jitter = rc.Jitter
	return out
}

// backoffDelay returns the wait before the given attempt retries:
// initial_delay_ms * multiplier^(attempt-1), capped at max_delay_ms. With
// jitter enabled the delay is scaled by a uniform factor in [0.5, 1.0].
func backoffDelay(rc RetryConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(rc.InitialDelayMs) * math.Pow(rc.Multiplier, float64(attempt-1))
	capped := math.Min(base, float64(rc.MaxDelayMs))
	if rc.Jitter && rng != nil {
		capped *= 0.5 + rng.Float64()*0.5
	}
	return time.Duration(capped) * time.Millisecond
}
