// Package audit provides an append-only record of planning decisions,
// guardrail denials, stage transitions, and compensation actions.
package audit

import (
	"context"
	"time"

	"github.com/valora-ai/valora/core/infra/logging"
)

// Event is one audit record. Details carry action-specific fields.
type Event struct {
	ID          string         `json:"id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	StageID     string         `json:"stage_id,omitempty"`
	Action      string         `json:"action"`
	Reason      string         `json:"reason,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Time        time.Time      `json:"time"`
}

// Audit actions emitted by the core.
const (
	ActionPlanCreated        = "plan_created"
	ActionGuardrailDenied    = "guardrail_denied"
	ActionStageStarted       = "stage_started"
	ActionStageCompleted     = "stage_completed"
	ActionStageFailed        = "stage_failed"
	ActionStageRetrying      = "stage_retrying"
	ActionWorkflowCompleted  = "workflow_completed"
	ActionWorkflowFailed     = "workflow_failed"
	ActionWorkflowRolledBack = "workflow_rolled_back"
	ActionCompensationRun    = "compensation_run"
)

// Sink accepts audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, evt Event) error
}

// Emit records an event and swallows sink failures. Audit logging is
// best-effort and must never fail the primary operation.
func Emit(ctx context.Context, sink Sink, evt Event) {
	if sink == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	if err := sink.Record(ctx, evt); err != nil {
		logging.Error("audit", "record failed", "action", evt.Action, "error", err)
	}
}

// Noop discards all events.
type Noop struct{}

func (Noop) Record(context.Context, Event) error { return nil }

// Multi fans an event out to several sinks; the first error wins but all
// sinks are attempted.
type Multi []Sink

func (m Multi) Record(ctx context.Context, evt Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
