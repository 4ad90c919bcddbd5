// Package orchestrator wires the planning and execution services into a
// running process: Redis stores, NATS transport, guardrails, breakers,
// metrics and the HTTP gateway.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/valora-ai/valora/core/audit"
	"github.com/valora-ai/valora/core/breaker"
	"github.com/valora-ai/valora/core/gateway"
	"github.com/valora-ai/valora/core/guardrail"
	"github.com/valora-ai/valora/core/infra/bus"
	"github.com/valora-ai/valora/core/infra/config"
	"github.com/valora-ai/valora/core/infra/logging"
	"github.com/valora-ai/valora/core/infra/metrics"
	"github.com/valora-ai/valora/core/planner"
	"github.com/valora-ai/valora/core/workflow"
)

const (
	logComponent = "orchestrator"

	defaultShutdownTimeout = 10 * time.Second
	resumeScanLimit        = 500

	envBreakerThreshold = "VALORA_BREAKER_THRESHOLD"
	envBreakerTimeout   = "VALORA_BREAKER_TIMEOUT_SEC"
	envMaxConcurrent    = "VALORA_MAX_CONCURRENT"
)

// Options tunes which responsibilities the process takes on.
type Options struct {
	// Resume re-adopts non-terminal executions on startup. Enable on exactly
	// one process per store; gateway-only replicas leave it off.
	Resume bool
}

// Run starts the full orchestration stack and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config, opts Options) error {
	if cfg == nil {
		cfg = config.Load()
	}

	store, err := workflow.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer store.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	autonomy, err := config.NewFileAutonomySource(cfg.AutonomyPath)
	if err != nil {
		return fmt.Errorf("load autonomy policy %s: %w", cfg.AutonomyPath, err)
	}
	defer autonomy.Close()

	patterns, err := planner.LoadPatternCatalog(cfg.PatternsPath)
	if err != nil {
		return fmt.Errorf("load pattern catalog %s: %w", cfg.PatternsPath, err)
	}
	agents, err := planner.LoadAgentCatalog(cfg.AgentsPath)
	if err != nil {
		return fmt.Errorf("load agent catalog %s: %w", cfg.AgentsPath, err)
	}

	auditLog, err := audit.NewRedisSink(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis audit log: %w", err)
	}
	defer auditLog.Close()
	sink := audit.Multi{audit.NewNatsSink(natsBus), auditLog}
	met := metrics.NewProm("valora")
	wfMet := metrics.NewWorkflowProm("valora")
	gwMet := metrics.NewGatewayProm("valora_gateway")

	guards := guardrail.New(autonomy,
		guardrail.WithAuditSink(sink),
		guardrail.WithMetrics(met))
	breakers := breaker.NewRegistry(breakerConfigFromEnv(), breaker.WithMetrics(met))

	engineOpts := []workflow.EngineOption{
		workflow.WithAuditSink(sink),
		workflow.WithMetrics(met),
		workflow.WithWorkflowMetrics(wfMet),
	}
	// Concurrency follows the autonomy policy's max_concurrent_agents;
	// the env var is a deploy-time override.
	if n := envInt(envMaxConcurrent); n > 0 {
		engineOpts = append(engineOpts, workflow.WithMaxConcurrent(n))
	}
	engine := workflow.NewEngine(store, workflow.NewNatsInvoker(natsBus), guards, breakers, autonomy, engineOpts...)

	plan := planner.New(patterns, agents,
		planner.WithAuditSink(sink),
		planner.WithMetrics(met),
		planner.WithHighComplexityThreshold(cfg.HighComplexity))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WorkflowsDir != "" {
		if err := seedDefinitions(ctx, store, cfg.WorkflowsDir); err != nil {
			return fmt.Errorf("seed workflow definitions: %w", err)
		}
	}

	if opts.Resume {
		if err := resumeOrphans(ctx, store, engine); err != nil {
			logging.Error(logComponent, "resume scan failed", "error", err)
		}
	}

	server := gateway.NewServer(plan, engine, store, breakers,
		gateway.WithMetrics(gwMet),
		gateway.WithAuditLog(auditLog))
	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(logComponent, "gateway listening", "addr", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}

	logging.Info(logComponent, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logging.Error(logComponent, "engine shutdown incomplete", "error", err)
	}
	logging.Info(logComponent, "stopped")
	return nil
}

// seedDefinitions registers shipped workflow definitions that are not yet in
// the store. Already-registered ids are left alone so operator edits via the
// registration endpoint are not clobbered on restart.
func seedDefinitions(ctx context.Context, store *workflow.RedisStore, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		wf, err := workflow.LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := store.GetWorkflow(ctx, wf.ID, 0); err == nil {
			continue
		} else if !errors.Is(err, workflow.ErrDefinitionNotFound) {
			return err
		}
		if err := store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		logging.Info(logComponent, "seeded workflow definition", "workflow_id", wf.ID, "version", wf.Version)
	}
	return nil
}

// resumeOrphans re-adopts executions a previous process left non-terminal.
func resumeOrphans(ctx context.Context, store *workflow.RedisStore, engine *workflow.Engine) error {
	resumed := 0
	for _, status := range []workflow.ExecutionStatus{workflow.ExecutionInitiated, workflow.ExecutionInProgress} {
		ids, err := store.ListExecutionIDsByStatus(ctx, status, resumeScanLimit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := engine.Resume(ctx, id); err != nil {
				logging.Error(logComponent, "resume failed", "execution_id", id, "error", err)
				continue
			}
			resumed++
		}
	}
	if resumed > 0 {
		logging.Info(logComponent, "resumed executions", "count", resumed)
	}
	return nil
}

func breakerConfigFromEnv() breaker.Config {
	cfg := breaker.Config{}
	if n := envInt(envBreakerThreshold); n > 0 {
		cfg.Threshold = n
	}
	if n := envInt(envBreakerTimeout); n > 0 {
		cfg.TimeoutSeconds = n
	}
	return cfg
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
