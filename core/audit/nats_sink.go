package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/valora-ai/valora/core/infra/bus"
)

const (
	auditSubject       = "valora.audit"
	eventSubjectPrefix = "valora.events."
)

// NatsSink publishes audit events as JSON documents on the bus. Events tied
// to an execution are additionally published on a per-execution subject so
// observers can follow a single run.
type NatsSink struct {
	bus *bus.NatsBus
}

// NewNatsSink wraps a connected bus.
func NewNatsSink(b *bus.NatsBus) *NatsSink {
	return &NatsSink{bus: b}
}

// Record publishes the event. Fire-and-forget from the caller's view.
func (s *NatsSink) Record(_ context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if err := s.bus.Publish(auditSubject, evt); err != nil {
		return err
	}
	if evt.ExecutionID != "" {
		return s.bus.Publish(eventSubjectPrefix+evt.ExecutionID, evt)
	}
	return nil
}
