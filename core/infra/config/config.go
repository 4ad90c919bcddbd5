package config

import (
	"os"
	"strconv"
)

const (
	defaultNATSURL        = "nats://localhost:4222"
	defaultRedisURL       = "redis://localhost:6379"
	defaultGatewayAddr    = ":8080"
	defaultAutonomyPath   = "config/autonomy.yaml"
	defaultPatternsPath   = "config/patterns.yaml"
	defaultAgentsPath     = "config/agents.yaml"
	defaultWorkflowsDir   = "config/workflows"
	defaultHighComplexity = 0.7

	envNATSURL        = "VALORA_NATS_URL"
	envRedisURL       = "VALORA_REDIS_URL"
	envGatewayAddr    = "VALORA_GATEWAY_ADDR"
	envAutonomyPath   = "VALORA_AUTONOMY_PATH"
	envPatternsPath   = "VALORA_PATTERNS_PATH"
	envAgentsPath     = "VALORA_AGENTS_PATH"
	envWorkflowsDir   = "VALORA_WORKFLOWS_DIR"
	envHighComplexity = "VALORA_HIGH_COMPLEXITY"
)

// Config holds runtime configuration for the orchestration core.
type Config struct {
	NatsURL        string
	RedisURL       string
	GatewayAddr    string
	AutonomyPath   string
	PatternsPath   string
	AgentsPath     string
	WorkflowsDir   string
	HighComplexity float64
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		NatsURL:        envOr(envNATSURL, defaultNATSURL),
		RedisURL:       envOr(envRedisURL, defaultRedisURL),
		GatewayAddr:    envOr(envGatewayAddr, defaultGatewayAddr),
		AutonomyPath:   envOr(envAutonomyPath, defaultAutonomyPath),
		PatternsPath:   envOr(envPatternsPath, defaultPatternsPath),
		AgentsPath:     envOr(envAgentsPath, defaultAgentsPath),
		WorkflowsDir:   envOr(envWorkflowsDir, defaultWorkflowsDir),
		HighComplexity: defaultHighComplexity,
	}
	if raw := os.Getenv(envHighComplexity); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 && v <= 1 {
			cfg.HighComplexity = v
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
