package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const samplePolicy = `
kill_switch_enabled: false
destructive_keywords: [delete, purge]
always_require_approval: [publish_report]
global_budget:
  max_cost_usd: 50
  max_duration_ms: 600000
execution_budget:
  max_cost_usd: 5
agents:
  realization:
    kill_switch: true
    max_iterations: 3
    autonomy_level: assist
  opportunity:
    autonomy_level: act
global:
  max_concurrent_agents: 4
  max_cost_per_hour_usd: 20
`

func TestParseAutonomyConfig(t *testing.T) {
	cfg, err := ParseAutonomyConfig([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.KillSwitchEnabled {
		t.Fatalf("kill switch should be off")
	}
	if len(cfg.DestructiveKeywords) != 2 {
		t.Fatalf("unexpected keywords: %v", cfg.DestructiveKeywords)
	}
	agent := cfg.AgentPolicyFor("realization")
	if agent.KillSwitch == nil || !*agent.KillSwitch {
		t.Fatalf("expected realization kill switch set")
	}
	if agent.MaxIterations != 3 || agent.AutonomyLevel != AutonomyAssist {
		t.Fatalf("unexpected agent policy: %+v", agent)
	}
	if cfg.Global.MaxConcurrentAgents != 4 {
		t.Fatalf("unexpected global limits: %+v", cfg.Global)
	}
	if got := cfg.AgentPolicyFor("missing"); got.KillSwitch != nil || got.MaxIterations != 0 {
		t.Fatalf("missing agent should get zero policy: %+v", got)
	}
}

func TestParseAutonomyConfigRejectsBadLevel(t *testing.T) {
	_, err := ParseAutonomyConfig([]byte("agents:\n  x:\n    autonomy_level: yolo\n"))
	if err == nil {
		t.Fatalf("expected error for unknown autonomy level")
	}
}

func TestLoadAutonomyConfigMissingFile(t *testing.T) {
	cfg, err := LoadAutonomyConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should default: %v", err)
	}
	if cfg == nil || cfg.KillSwitchEnabled {
		t.Fatalf("expected permissive default, got %+v", cfg)
	}
}

func TestFileAutonomySourceReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autonomy.yaml")
	if err := os.WriteFile(path, []byte("kill_switch_enabled: false\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src, err := NewFileAutonomySource(path)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	if src.Autonomy().KillSwitchEnabled {
		t.Fatalf("expected kill switch off initially")
	}

	if err := os.WriteFile(path, []byte("kill_switch_enabled: true\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if src.Autonomy().KillSwitchEnabled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Watchers can be flaky on some filesystems; a forced reload must work.
	if err := src.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !src.Autonomy().KillSwitchEnabled {
		t.Fatalf("expected kill switch on after reload")
	}
}
