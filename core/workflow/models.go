package workflow

import (
	"time"

	"github.com/valora-ai/valora/core/breaker"
)

// ExecutionStatus captures the lifecycle of a workflow execution.
type ExecutionStatus string

const (
	ExecutionInitiated  ExecutionStatus = "initiated"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionRolledBack:
		return true
	default:
		return false
	}
}

// AttemptStatus captures the outcome of one stage attempt.
type AttemptStatus string

const (
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)

// RetryConfig governs exponential backoff with optional jitter.
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs int64   `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs     int64   `json:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier" yaml:"multiplier"`
	Jitter         bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Stage is a node in the workflow definition.
type Stage struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	AgentType    string       `json:"agent_type" yaml:"agent_type"`
	Capabilities []string     `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Actions      []string     `json:"actions,omitempty" yaml:"actions,omitempty"`
	ReadOnly     bool         `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	TimeoutSec   int64        `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	Retry        *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
	Compensation string       `json:"compensation,omitempty" yaml:"compensation,omitempty"`
}

// Transition is a directed edge between stages with an optional guard
// condition evaluated against the execution context.
type Transition struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Workflow is the persisted, versioned definition. Immutable once referenced
// by an execution; edits produce a new version.
type Workflow struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Version      int          `json:"version" yaml:"version"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	Stages       []*Stage     `json:"stages" yaml:"stages"`
	Transitions  []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	InitialStage string       `json:"initial_stage" yaml:"initial_stage"`
	FinalStages  []string     `json:"final_stages" yaml:"final_stages"`
	CreatedBy    string       `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time    `json:"updated_at" yaml:"-"`
}

// StageByID returns the stage with the given id.
func (w *Workflow) StageByID(id string) (*Stage, bool) {
	for _, s := range w.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// IsFinal reports whether the stage id is one of the final stages.
func (w *Workflow) IsFinal(id string) bool {
	for _, f := range w.FinalStages {
		if f == id {
			return true
		}
	}
	return false
}

// Execution represents one run of a workflow definition. The context map is
// the single source of truth for approvals, executed-step history, and
// accumulated stage outputs; it is owned by the execution's driving task.
type Execution struct {
	ID              string             `json:"id"`
	WorkflowID      string             `json:"workflow_id"`
	WorkflowVersion int                `json:"workflow_version"`
	Status          ExecutionStatus    `json:"status"`
	CurrentStage    string             `json:"current_stage,omitempty"`
	Context         map[string]any     `json:"context"`
	Breakers        []breaker.Snapshot `json:"breakers,omitempty"`
	TotalCostUsd    float64            `json:"total_cost_usd"`
	InitiatedBy     string             `json:"initiated_by,omitempty"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ExecutionLog is one row per stage attempt. Append-only.
type ExecutionLog struct {
	ExecutionID string         `json:"execution_id"`
	StageID     string         `json:"stage_id"`
	Status      AttemptStatus  `json:"status"`
	Attempt     int            `json:"attempt"`
	Error       string         `json:"error,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Retry       *RetryConfig   `json:"retry,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMs  int64          `json:"duration_ms"`
}

// EventType identifies a workflow event.
type EventType string

const (
	EventStageStarted       EventType = "stage_started"
	EventStageCompleted     EventType = "stage_completed"
	EventStageFailed        EventType = "stage_failed"
	EventStageRetrying      EventType = "stage_retrying"
	EventWorkflowCompleted  EventType = "workflow_completed"
	EventWorkflowFailed     EventType = "workflow_failed"
	EventWorkflowRolledBack EventType = "workflow_rolled_back"
)

// Event is one entry in an execution's append-only timeline.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	Type        EventType      `json:"type"`
	StageID     string         `json:"stage_id,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Time        time.Time      `json:"time"`
}

// Context map keys maintained by the engine.
const (
	ContextKeyApprovals     = "approvals"
	ContextKeyExecutedSteps = "executed_steps"
	ContextKeyOutputs       = "outputs"
	ContextKeyArtifacts     = "artifacts"
	ContextKeyCancel        = "cancel_requested"
)

// CompensationContext tells a handler what this execution actually did, so
// rollback undoes only this run's artifacts and state changes.
type CompensationContext struct {
	ExecutionID   string           `json:"execution_id"`
	FailedStageID string           `json:"failed_stage_id"`
	Artifacts     []string         `json:"artifacts,omitempty"`
	StateChanges  []map[string]any `json:"state_changes,omitempty"`
}
