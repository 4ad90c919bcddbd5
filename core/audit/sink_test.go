package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Record(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func TestEmitSwallowsErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("sink down")}
	Emit(context.Background(), sink, Event{Action: ActionPlanCreated})
	if len(sink.events) != 1 {
		t.Fatalf("expected event recorded despite error")
	}
	if sink.events[0].Time.IsZero() {
		t.Fatalf("expected timestamp to be filled")
	}
}

func TestEmitNilSink(t *testing.T) {
	Emit(context.Background(), nil, Event{Action: ActionStageStarted})
}

func TestMultiAttemptsAllSinks(t *testing.T) {
	bad := &recordingSink{err: errors.New("boom")}
	good := &recordingSink{}
	m := Multi{bad, nil, good}
	err := m.Record(context.Background(), Event{Action: ActionStageCompleted})
	if err == nil {
		t.Fatalf("expected first error surfaced")
	}
	if len(good.events) != 1 {
		t.Fatalf("expected all sinks attempted")
	}
}

func TestRedisSinkAppendsAndReads(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	sink, err := NewRedisSink("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("sink init: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	ctx := context.Background()
	Emit(ctx, sink, Event{Action: ActionStageStarted, ExecutionID: "exec-1", StageID: "discover"})
	Emit(ctx, sink, Event{Action: ActionGuardrailDenied, ExecutionID: "exec-1", Reason: "iteration limit exceeded"})

	events, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Action != ActionStageStarted || events[1].Reason != "iteration limit exceeded" {
		t.Fatalf("unexpected order: %+v", events)
	}
	if events[0].Time.IsZero() {
		t.Fatalf("expected timestamp persisted")
	}
}
