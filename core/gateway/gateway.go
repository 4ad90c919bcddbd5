package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/valora-ai/valora/core/audit"
	"github.com/valora-ai/valora/core/breaker"
	"github.com/valora-ai/valora/core/infra/logging"
	"github.com/valora-ai/valora/core/infra/metrics"
	"github.com/valora-ai/valora/core/planner"
	"github.com/valora-ai/valora/core/workflow"
)

const logComponent = "api-gateway"

// Server exposes the planning and execution control plane over HTTP.
type Server struct {
	planner  *planner.Planner
	engine   *workflow.Engine
	store    *workflow.RedisStore
	breakers *breaker.Registry
	auditLog *audit.RedisSink
	metrics  metrics.GatewayMetrics

	streamPoll time.Duration
}

// Option customizes server construction.
type Option func(*Server)

// WithMetrics sets request metrics.
func WithMetrics(m metrics.GatewayMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuditLog exposes the Redis audit trail on GET /v1/audit.
func WithAuditLog(sink *audit.RedisSink) Option {
	return func(s *Server) { s.auditLog = sink }
}

// WithStreamPoll sets how often the event stream checks for new events.
func WithStreamPoll(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamPoll = d
		}
	}
}

// NewServer wires the gateway against the planner, engine and store.
func NewServer(p *planner.Planner, eng *workflow.Engine, store *workflow.RedisStore, breakers *breaker.Registry, opts ...Option) *Server {
	s := &Server{
		planner:    p,
		engine:     eng,
		store:      store,
		breakers:   breakers,
		metrics:    metrics.NoopGateway{},
		streamPoll: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/plans", s.instrumented("/v1/plans", s.handleCreatePlan))

	mux.HandleFunc("PUT /v1/workflows", s.instrumented("/v1/workflows", s.handlePutWorkflow))
	mux.HandleFunc("GET /v1/workflows", s.instrumented("/v1/workflows", s.handleListWorkflows))
	mux.HandleFunc("GET /v1/workflows/{id}", s.instrumented("/v1/workflows/{id}", s.handleGetWorkflow))
	mux.HandleFunc("GET /v1/workflows/{id}/executions", s.instrumented("/v1/workflows/{id}/executions", s.handleListExecutions))

	mux.HandleFunc("POST /v1/executions", s.instrumented("/v1/executions", s.handleStartExecution))
	mux.HandleFunc("GET /v1/executions/{id}", s.instrumented("/v1/executions/{id}", s.handleGetExecution))
	mux.HandleFunc("GET /v1/executions/{id}/logs", s.instrumented("/v1/executions/{id}/logs", s.handleGetExecutionLogs))
	mux.HandleFunc("GET /v1/executions/{id}/events", s.instrumented("/v1/executions/{id}/events", s.handleGetExecutionEvents))
	mux.HandleFunc("POST /v1/executions/{id}/approve", s.instrumented("/v1/executions/{id}/approve", s.handleApproveExecution))
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.instrumented("/v1/executions/{id}/cancel", s.handleCancelExecution))
	mux.HandleFunc("GET /v1/executions/{id}/stream", s.handleStreamExecution)

	mux.HandleFunc("GET /v1/breakers", s.instrumented("/v1/breakers", s.handleListBreakers))
	if s.auditLog != nil {
		mux.HandleFunc("GET /v1/audit", s.instrumented("/v1/audit", s.handleAuditLog))
	}

	return mux
}

// ListenAndServe runs the gateway until ctx-independent server shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info(logComponent, "listening", "addr", addr)
	return srv.ListenAndServe()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

type createPlanRequest struct {
	Intent planner.TaskIntent `json:"intent"`
	Route  bool               `json:"route,omitempty"`
}

type plannedSubgoalRoute struct {
	SubgoalID string           `json:"subgoal_id"`
	Routing   *planner.Routing `json:"routing,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type createPlanResponse struct {
	Plan   *planner.TaskPlan     `json:"plan"`
	Routes []plannedSubgoalRoute `json:"routes,omitempty"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	plan, err := s.planner.Plan(r.Context(), &req.Intent)
	if err != nil {
		if errors.Is(err, planner.ErrUnknownIntentType) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := createPlanResponse{Plan: plan}
	if req.Route {
		for _, sg := range plan.Subgoals {
			route, err := s.planner.Route(sg)
			entry := plannedSubgoalRoute{SubgoalID: sg.ID, Routing: route}
			if err != nil {
				entry.Routing = nil
				entry.Error = err.Error()
			}
			resp.Routes = append(resp.Routes, entry)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := workflow.ValidateDefinitionJSON(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := workflow.ValidateWorkflow(&wf); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.SaveWorkflow(r.Context(), &wf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": wf.ID, "version": wf.Version})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	list, err := s.store.ListWorkflows(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": list})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
		version = v
	}
	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"), version)
	if err != nil {
		if errors.Is(err, workflow.ErrDefinitionNotFound) {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListExecutionsByWorkflow(r.Context(), r.PathValue("id"), parseLimit(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

type startExecutionRequest struct {
	WorkflowID  string         `json:"workflow_id"`
	Version     int            `json:"version,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	InitiatedBy string         `json:"initiated_by,omitempty"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	exec, err := s.engine.Execute(r.Context(), workflow.ExecuteRequest{
		WorkflowID:     req.WorkflowID,
		Version:        req.Version,
		Context:        req.Context,
		InitiatedBy:    req.InitiatedBy,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrKillSwitchEnabled):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, workflow.ErrDefinitionNotFound):
			http.Error(w, "workflow not found", http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.ExecutionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleGetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListLogs(r.Context(), r.PathValue("id"), parseLimit(r, 500))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleGetExecutionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context(), r.PathValue("id"), parseLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleApproveExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Approve(r.Context(), id); err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logging.Info(logComponent, "execution approved", "execution_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logging.Info(logComponent, "execution cancellation requested", "execution_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.SnapshotAll()})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	events, err := s.auditLog.Recent(r.Context(), parseLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error(logComponent, "encode response failed", "error", err)
	}
}

func parseLimit(r *http.Request, def int64) int64 {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
