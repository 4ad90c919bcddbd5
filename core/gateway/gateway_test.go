package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/valora-ai/valora/core/audit"
	"github.com/valora-ai/valora/core/breaker"
	"github.com/valora-ai/valora/core/guardrail"
	"github.com/valora-ai/valora/core/infra/config"
	"github.com/valora-ai/valora/core/planner"
	"github.com/valora-ai/valora/core/workflow"
)

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, agentType string, input, execCtx map[string]any) (*workflow.AgentResult, error) {
	return &workflow.AgentResult{Success: true, Output: map[string]any{"agent": agentType}}, nil
}

type fixture struct {
	server *Server
	ts     *httptest.Server
	store  *workflow.RedisStore
	engine *workflow.Engine
	source *config.StaticAutonomySource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := workflow.NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auditLog, err := audit.NewRedisSink("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("audit sink init: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	source := config.NewStaticAutonomySource(nil)
	guards := guardrail.New(source, guardrail.WithAuditSink(auditLog))
	breakers := breaker.NewRegistry(breaker.Config{Threshold: 5, TimeoutSeconds: 30})
	eng := workflow.NewEngine(store, echoInvoker{}, guards, breakers, source, workflow.WithAuditSink(auditLog))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	patterns := planner.NewStaticPatternCatalog([]*planner.TaskPattern{{
		IntentType: "value_realization",
		Steps: []planner.PatternStep{
			{Name: "discover_gaps", Type: planner.SubgoalDiscovery, Agent: "opportunity"},
			{Name: "design_plan", Type: planner.SubgoalDesign, Agent: "target", DependsOn: []string{"discover_gaps"}},
		},
	}})
	agents := planner.NewStaticAgentCatalog([]*planner.AgentProfile{
		{ID: "opportunity", Capabilities: []string{"discovery"}, ComplexityMax: 1},
		{ID: "target", Capabilities: []string{"design"}, ComplexityMax: 1},
	})
	plan := planner.New(patterns, agents)

	server := NewServer(plan, eng, store, breakers,
		WithStreamPoll(5*time.Millisecond),
		WithAuditLog(auditLog))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: server, ts: ts, store: store, engine: eng, source: source}
}

func (f *fixture) putWorkflow(t *testing.T, doc string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPut, f.ts.URL+"/v1/workflows", strings.NewReader(doc))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put workflow: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put workflow status = %d", res.StatusCode)
	}
}

const sampleDefinition = `{
	"id": "value-realization",
	"name": "Value Realization",
	"initial_stage": "assess",
	"final_stages": ["apply"],
	"stages": [
		{"id": "assess", "agent_type": "opportunity", "read_only": true},
		{"id": "apply", "agent_type": "realization"}
	],
	"transitions": [{"from": "assess", "to": "apply"}]
}`

func TestHealthz(t *testing.T) {
	fx := newFixture(t)
	res, err := http.Get(fx.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestCreatePlanEndpoint(t *testing.T) {
	fx := newFixture(t)
	body := `{"intent": {"id": "task-1", "intent_type": "value_realization", "description": "close value gaps"}, "route": true}`
	res, err := http.Post(fx.ts.URL+"/v1/plans", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var out struct {
		Plan *planner.TaskPlan `json:"plan"`
		Routes []struct {
			SubgoalID string           `json:"subgoal_id"`
			Routing   *planner.Routing `json:"routing"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Plan == nil || len(out.Plan.Subgoals) != 2 {
		t.Fatalf("plan = %+v", out.Plan)
	}
	if len(out.Routes) != 2 || out.Routes[0].Routing == nil {
		t.Fatalf("routes = %+v", out.Routes)
	}
}

func TestCreatePlanUnknownIntent(t *testing.T) {
	fx := newFixture(t)
	body := `{"intent": {"id": "task-1", "intent_type": "nope"}}`
	res, err := http.Post(fx.ts.URL+"/v1/plans", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestPutWorkflowValidates(t *testing.T) {
	fx := newFixture(t)
	fx.putWorkflow(t, sampleDefinition)

	res, err := http.Get(fx.ts.URL + "/v1/workflows/value-realization")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	var wf workflow.Workflow
	if err := json.NewDecoder(res.Body).Decode(&wf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wf.Version != 1 || len(wf.Stages) != 2 {
		t.Fatalf("workflow = %+v", wf)
	}

	// schema rejection
	req, _ := http.NewRequest(http.MethodPut, fx.ts.URL+"/v1/workflows", strings.NewReader(`{"name": "no id"}`))
	bad, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid definition status = %d, want 400", bad.StatusCode)
	}
}

func TestExecutionLifecycleOverHTTP(t *testing.T) {
	fx := newFixture(t)
	fx.putWorkflow(t, sampleDefinition)

	body := `{"workflow_id": "value-realization", "context": {"tenant": "acme"}}`
	res, err := http.Post(fx.ts.URL+"/v1/executions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}
	var exec workflow.Execution
	if err := json.NewDecoder(res.Body).Decode(&exec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	fx.engine.Drain()

	st, err := http.Get(fx.ts.URL + "/v1/executions/" + exec.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer st.Body.Close()
	var got workflow.Execution
	if err := json.NewDecoder(st.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != workflow.ExecutionCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
	}

	lg, err := http.Get(fx.ts.URL + "/v1/executions/" + exec.ID + "/logs")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer lg.Body.Close()
	var logsOut struct {
		Logs []workflow.ExecutionLog `json:"logs"`
	}
	if err := json.NewDecoder(lg.Body).Decode(&logsOut); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logsOut.Logs) != 2 {
		t.Fatalf("log rows = %d, want 2", len(logsOut.Logs))
	}
}

func TestStartExecutionErrors(t *testing.T) {
	fx := newFixture(t)

	res, err := http.Post(fx.ts.URL+"/v1/executions", "application/json",
		strings.NewReader(`{"workflow_id": "missing"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing workflow status = %d, want 404", res.StatusCode)
	}

	fx.putWorkflow(t, sampleDefinition)
	fx.source.Set(&config.AutonomyConfig{KillSwitchEnabled: true})
	res, err = http.Post(fx.ts.URL+"/v1/executions", "application/json",
		strings.NewReader(`{"workflow_id": "value-realization"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("kill switch status = %d, want 403", res.StatusCode)
	}
}

func TestIdempotencyKeyHeader(t *testing.T) {
	fx := newFixture(t)
	fx.putWorkflow(t, sampleDefinition)

	start := func() workflow.Execution {
		req, _ := http.NewRequest(http.MethodPost, fx.ts.URL+"/v1/executions",
			bytes.NewReader([]byte(`{"workflow_id": "value-realization"}`)))
		req.Header.Set("Idempotency-Key", "req-42")
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer res.Body.Close()
		var exec workflow.Execution
		if err := json.NewDecoder(res.Body).Decode(&exec); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return exec
	}
	first := start()
	second := start()
	if first.ID != second.ID {
		t.Fatalf("idempotency violated: %s vs %s", first.ID, second.ID)
	}
}

func TestCancelEndpoint(t *testing.T) {
	fx := newFixture(t)
	fx.putWorkflow(t, sampleDefinition)

	res, err := http.Post(fx.ts.URL+"/v1/executions", "application/json",
		strings.NewReader(`{"workflow_id": "value-realization"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var exec workflow.Execution
	_ = json.NewDecoder(res.Body).Decode(&exec)
	res.Body.Close()

	cn, err := http.Post(fx.ts.URL+"/v1/executions/"+exec.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cn.Body.Close()
	if cn.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", cn.StatusCode)
	}

	missing, err := http.Post(fx.ts.URL+"/v1/executions/none/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing cancel status = %d, want 404", missing.StatusCode)
	}
}

func TestStreamDeliversEventsUntilTerminal(t *testing.T) {
	fx := newFixture(t)
	fx.putWorkflow(t, sampleDefinition)

	res, err := http.Post(fx.ts.URL+"/v1/executions", "application/json",
		strings.NewReader(`{"workflow_id": "value-realization"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var exec workflow.Execution
	_ = json.NewDecoder(res.Body).Decode(&exec)
	res.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/v1/executions/" + exec.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var events []workflow.Event
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var evt workflow.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("read: %v (got %d events)", err, len(events))
		}
		events = append(events, evt)
	}

	if len(events) == 0 {
		t.Fatalf("no events streamed")
	}
	last := events[len(events)-1]
	if last.Type != workflow.EventWorkflowCompleted {
		t.Fatalf("last streamed event = %s, want workflow_completed", last.Type)
	}
}

func TestAuditTrailEndpoint(t *testing.T) {
	fx := newFixture(t)
	fx.putWorkflow(t, sampleDefinition)

	res, err := http.Post(fx.ts.URL+"/v1/executions", "application/json",
		strings.NewReader(`{"workflow_id": "value-realization"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	fx.engine.Drain()

	au, err := http.Get(fx.ts.URL + "/v1/audit?limit=50")
	if err != nil {
		t.Fatalf("get audit: %v", err)
	}
	defer au.Body.Close()
	var out struct {
		Events []audit.Event `json:"events"`
	}
	if err := json.NewDecoder(au.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Events) == 0 {
		t.Fatalf("no audit events recorded")
	}
	found := false
	for _, evt := range out.Events {
		if evt.Action == audit.ActionWorkflowCompleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("workflow completion missing from audit trail: %+v", out.Events)
	}
}

func TestStreamMissingExecution(t *testing.T) {
	fx := newFixture(t)
	res, err := http.Get(fx.ts.URL + "/v1/executions/none/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}
