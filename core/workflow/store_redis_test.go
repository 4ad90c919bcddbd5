package workflow

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	return store
}

func sampleWorkflow(id string) *Workflow {
	return &Workflow{
		ID:   id,
		Name: "Value Realization",
		Stages: []*Stage{
			{ID: "assess", AgentType: "opportunity", ReadOnly: true},
			{ID: "plan", AgentType: "target"},
			{ID: "apply", AgentType: "realization", Actions: []string{"apply_changes"}},
		},
		Transitions: []Transition{
			{From: "assess", To: "plan"},
			{From: "plan", To: "apply"},
		},
		InitialStage: "assess",
		FinalStages:  []string{"apply"},
	}
}

func TestWorkflowVersioning(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	wf := sampleWorkflow("wf-1")
	if err := store.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("save: %v", err)
	}
	if wf.Version != 1 {
		t.Fatalf("first save version = %d, want 1", wf.Version)
	}

	wf.Description = "revised"
	if err := store.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	if wf.Version != 2 {
		t.Fatalf("second save version = %d, want 2", wf.Version)
	}

	latest, err := store.GetWorkflow(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != 2 || latest.Description != "revised" {
		t.Fatalf("latest mismatch: %+v", latest)
	}

	v1, err := store.GetWorkflow(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.Description != "" {
		t.Fatalf("v1 should be immutable, got %q", v1.Description)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetWorkflow(context.Background(), "missing", 0)
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("err = %v, want ErrDefinitionNotFound", err)
	}
	if err := store.SaveWorkflow(context.Background(), sampleWorkflow("wf-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err = store.GetWorkflow(context.Background(), "wf-1", 9)
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("missing version err = %v, want ErrDefinitionNotFound", err)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	exec := &Execution{
		ID:           "exec-1",
		WorkflowID:   "wf-1",
		Status:       ExecutionInitiated,
		CurrentStage: "assess",
		Context:      map[string]any{"tenant": "acme"},
	}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, err := store.CountActiveExecutions(ctx)
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if active != 1 {
		t.Fatalf("active = %d, want 1", active)
	}

	exec.Status = ExecutionCompleted
	if err := store.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ExecutionCompleted || got.Context["tenant"] != "acme" {
		t.Fatalf("mismatch: %+v", got)
	}

	active, err = store.CountActiveExecutions(ctx)
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if active != 0 {
		t.Fatalf("active after terminal = %d, want 0", active)
	}

	ids, err := store.ListExecutionIDsByStatus(ctx, ExecutionCompleted, 10)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(ids) != 1 || ids[0] != "exec-1" {
		t.Fatalf("ids = %v", ids)
	}
	ids, err = store.ListExecutionIDsByStatus(ctx, ExecutionInitiated, 10)
	if err != nil {
		t.Fatalf("list by old status: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("stale status index: %v", ids)
	}

	list, err := store.ListExecutionsByWorkflow(ctx, "wf-1", 10)
	if err != nil {
		t.Fatalf("list by workflow: %v", err)
	}
	if len(list) != 1 || list[0].ID != "exec-1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetExecution(context.Background(), "missing")
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("err = %v, want ErrExecutionNotFound", err)
	}
}

func TestPatchExecutionContext(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	exec := &Execution{ID: "exec-1", WorkflowID: "wf-1", Context: map[string]any{"tenant": "acme"}}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	patch := map[string]any{ContextKeyCancel: true}
	if err := store.PatchExecutionContext(ctx, "exec-1", patch); err != nil {
		t.Fatalf("patch: %v", err)
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Context["tenant"] != "acme" {
		t.Fatalf("patch dropped existing key: %+v", got.Context)
	}
	if v, _ := got.Context[ContextKeyCancel].(bool); !v {
		t.Fatalf("patch missing: %+v", got.Context)
	}

	if err := store.PatchExecutionContext(ctx, "missing", patch); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("patch missing exec err = %v", err)
	}
}

func TestUpdateExecutionWithSeesConcurrentPatch(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	exec := &Execution{ID: "exec-1", WorkflowID: "wf-1", Status: ExecutionInProgress, Context: map[string]any{"tenant": "acme"}}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A control-plane patch lands after the engine's boundary fetch. The
	// read-modify-write must operate on the patched document, not the copy
	// the engine fetched.
	if err := store.PatchExecutionContext(ctx, "exec-1", map[string]any{ContextKeyCancel: true}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	updated, err := store.UpdateExecutionWith(ctx, "exec-1", func(cur *Execution) error {
		if v, _ := cur.Context[ContextKeyCancel].(bool); !v {
			t.Fatalf("callback saw stale context: %+v", cur.Context)
		}
		cur.Status = ExecutionCompleted
		cur.Context["result"] = "done"
		return nil
	})
	if err != nil {
		t.Fatalf("update with: %v", err)
	}
	if v, _ := updated.Context[ContextKeyCancel].(bool); !v {
		t.Fatalf("cancel flag lost: %+v", updated.Context)
	}
	if updated.Status != ExecutionCompleted || updated.Context["result"] != "done" {
		t.Fatalf("callback changes lost: %+v", updated)
	}

	// index upkeep matches UpdateExecution
	ids, err := store.ListExecutionIDsByStatus(ctx, ExecutionCompleted, 10)
	if err != nil || len(ids) != 1 || ids[0] != "exec-1" {
		t.Fatalf("status index = %v, %v", ids, err)
	}
	ids, _ = store.ListExecutionIDsByStatus(ctx, ExecutionInProgress, 10)
	if len(ids) != 0 {
		t.Fatalf("stale status index: %v", ids)
	}
	active, _ := store.CountActiveExecutions(ctx)
	if active != 0 {
		t.Fatalf("active after terminal = %d, want 0", active)
	}

	if _, err := store.UpdateExecutionWith(ctx, "missing", func(*Execution) error { return nil }); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("missing exec err = %v", err)
	}
	wantErr := errors.New("nope")
	if _, err := store.UpdateExecutionWith(ctx, "exec-1", func(*Execution) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("callback err = %v", err)
	}
}

func TestExecutionLogsAppendOnly(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	rows := []ExecutionLog{
		{ExecutionID: "exec-1", StageID: "plan", Status: AttemptFailed, Attempt: 1, Error: "boom"},
		{ExecutionID: "exec-1", StageID: "plan", Status: AttemptFailed, Attempt: 2, Error: "boom"},
		{ExecutionID: "exec-1", StageID: "plan", Status: AttemptCompleted, Attempt: 3},
	}
	for i := range rows {
		if err := store.AppendLog(ctx, &rows[i]); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := store.ListLogs(ctx, "exec-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, row := range got {
		if row.Attempt != i+1 {
			t.Fatalf("row %d attempt = %d, want append order preserved", i, row.Attempt)
		}
	}
}

func TestTimelineEvents(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for _, typ := range []EventType{EventStageStarted, EventStageCompleted, EventWorkflowCompleted} {
		if err := store.AppendEvent(ctx, &Event{ExecutionID: "exec-1", Type: typ}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}

	events, err := store.ListEvents(ctx, "exec-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	if events[0].Type != EventStageStarted || events[2].Type != EventWorkflowCompleted {
		t.Fatalf("order wrong: %+v", events)
	}
	if events[0].Time.IsZero() {
		t.Fatalf("event time not set")
	}
}

func TestListEventsZeroLimitReturnsAll(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 150; i++ {
		if err := store.AppendEvent(ctx, &Event{ExecutionID: "exec-1", Type: EventStageRetrying}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := store.ListEvents(ctx, "exec-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 150 {
		t.Fatalf("len = %d, want all 150", len(events))
	}

	events, err = store.ListEvents(ctx, "exec-1", 10)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("len = %d, want 10", len(events))
	}
}

func TestIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	claimed, err := store.TrySetIdempotencyKey(ctx, "key-1", "exec-1")
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}
	claimed, err = store.TrySetIdempotencyKey(ctx, "key-1", "exec-2")
	if err != nil || claimed {
		t.Fatalf("second claim = %v, %v", claimed, err)
	}
	id, err := store.GetExecutionByIdempotencyKey(ctx, "key-1")
	if err != nil || id != "exec-1" {
		t.Fatalf("lookup = %q, %v", id, err)
	}
	if _, err := store.GetExecutionByIdempotencyKey(ctx, "nope"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("missing key err = %v", err)
	}
}
