package workflow

import (
	"strings"
	"testing"
)

func TestValidateWorkflowAcceptsSample(t *testing.T) {
	if err := ValidateWorkflow(sampleWorkflow("wf-1")); err != nil {
		t.Fatalf("valid workflow rejected: %v", err)
	}
}

func TestValidateWorkflowAcceptsPartialRetry(t *testing.T) {
	// Omitted max_attempts is "use the default", not a hard zero.
	wf := sampleWorkflow("wf-partial-retry")
	wf.Stages[0].Retry = &RetryConfig{InitialDelayMs: 250}
	if err := ValidateWorkflow(wf); err != nil {
		t.Fatalf("partial retry block rejected: %v", err)
	}
}

func TestValidateWorkflowRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Workflow)
		want   string
	}{
		{"no stages", func(wf *Workflow) { wf.Stages = nil }, "at least one stage"},
		{"duplicate stage", func(wf *Workflow) { wf.Stages = append(wf.Stages, &Stage{ID: "assess", AgentType: "opportunity"}) }, "duplicate stage"},
		{"missing agent type", func(wf *Workflow) { wf.Stages[0].AgentType = "" }, "agent type required"},
		{"unknown initial stage", func(wf *Workflow) { wf.InitialStage = "nope" }, "unknown initial stage"},
		{"no final stages", func(wf *Workflow) { wf.FinalStages = nil }, "at least one final stage"},
		{"unknown final stage", func(wf *Workflow) { wf.FinalStages = []string{"nope"} }, "unknown final stage"},
		{"transition to unknown stage", func(wf *Workflow) {
			wf.Transitions = append(wf.Transitions, Transition{From: "assess", To: "nope"})
		}, "unknown stage"},
		{"retry negative attempts", func(wf *Workflow) {
			wf.Stages[0].Retry = &RetryConfig{MaxAttempts: -1, InitialDelayMs: 10}
		}, "max_attempts"},
		{"retry multiplier below one", func(wf *Workflow) {
			wf.Stages[0].Retry = &RetryConfig{MaxAttempts: 3, Multiplier: 0.5}
		}, "multiplier"},
		{"retry max below initial", func(wf *Workflow) {
			wf.Stages[0].Retry = &RetryConfig{MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 50}
		}, "max_delay_ms"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			wf := sampleWorkflow("wf-1")
			c.mutate(wf)
			err := ValidateWorkflow(wf)
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err = %v, want mention of %q", err, c.want)
			}
		})
	}
}

func TestValidateDefinitionJSON(t *testing.T) {
	good := []byte(`{
		"id": "value-realization",
		"name": "Value Realization",
		"initial_stage": "assess",
		"final_stages": ["apply"],
		"stages": [
			{"id": "assess", "agent_type": "opportunity", "read_only": true},
			{"id": "apply", "agent_type": "realization", "retry": {"max_attempts": 3, "initial_delay_ms": 500, "max_delay_ms": 5000, "multiplier": 2}}
		],
		"transitions": [{"from": "assess", "to": "apply"}]
	}`)
	if err := ValidateDefinitionJSON(good); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}

	bad := [][]byte{
		[]byte(`{"name": "no id"}`),
		[]byte(`{"id": "x", "name": "x", "initial_stage": "a", "final_stages": [], "stages": [{"id": "a", "agent_type": "t"}]}`),
		[]byte(`{"id": "x", "name": "x", "initial_stage": "a", "final_stages": ["a"], "stages": [{"id": "a"}]}`),
		[]byte(`not json`),
	}
	for i, doc := range bad {
		if err := ValidateDefinitionJSON(doc); err == nil {
			t.Fatalf("document %d should have been rejected", i)
		}
	}
}
