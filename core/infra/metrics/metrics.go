package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the orchestration core.
type Metrics interface {
	IncPlansCreated(intentType string)
	IncStagesDispatched(stage string)
	IncStagesCompleted(stage, status string)
	IncGuardrailDenied(reason string)
	IncBreakerOpened(key string)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// WorkflowMetrics captures execution-level workflow metrics.
type WorkflowMetrics interface {
	IncWorkflowStarted(workflow string)
	IncWorkflowCompleted(workflow, status string)
	ObserveWorkflowDuration(workflow string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncPlansCreated(string)            {}
func (Noop) IncStagesDispatched(string)        {}
func (Noop) IncStagesCompleted(string, string) {}
func (Noop) IncGuardrailDenied(string)         {}
func (Noop) IncBreakerOpened(string)           {}

// NoopWorkflow implements WorkflowMetrics without emitting anything.
type NoopWorkflow struct{}

func (NoopWorkflow) IncWorkflowStarted(string)               {}
func (NoopWorkflow) IncWorkflowCompleted(string, string)     {}
func (NoopWorkflow) ObserveWorkflowDuration(string, float64) {}

// NoopGateway implements GatewayMetrics without emitting anything.
type NoopGateway struct{}

func (NoopGateway) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	plansCreated     *prometheus.CounterVec
	stagesDispatched *prometheus.CounterVec
	stagesCompleted  *prometheus.CounterVec
	guardrailDenied  *prometheus.CounterVec
	breakerOpened    *prometheus.CounterVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		plansCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_created_total",
			Help:      "Task plans created by intent type",
		}, []string{"intent_type"}),
		stagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_dispatched_total",
			Help:      "Workflow stages dispatched by stage ID",
		}, []string{"stage"}),
		stagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_completed_total",
			Help:      "Workflow stage attempts completed by stage and status",
		}, []string{"stage", "status"}),
		guardrailDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_denied_total",
			Help:      "Stage invocations denied by guardrail reason",
		}, []string{"reason"}),
		breakerOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_opened_total",
			Help:      "Circuit breaker open transitions by target key",
		}, []string{"key"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.plansCreated, p.stagesDispatched, p.stagesCompleted, p.guardrailDenied, p.breakerOpened)
	})
}

func (p *Prom) IncPlansCreated(intentType string) {
	p.plansCreated.WithLabelValues(intentType).Inc()
}

func (p *Prom) IncStagesDispatched(stage string) {
	p.stagesDispatched.WithLabelValues(stage).Inc()
}

func (p *Prom) IncStagesCompleted(stage, status string) {
	p.stagesCompleted.WithLabelValues(stage, status).Inc()
}

func (p *Prom) IncGuardrailDenied(reason string) {
	p.guardrailDenied.WithLabelValues(reason).Inc()
}

func (p *Prom) IncBreakerOpened(key string) {
	p.breakerOpened.WithLabelValues(key).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// --- Workflow metrics ---

type workflowProm struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	once      sync.Once
}

func NewWorkflowProm(namespace string) WorkflowMetrics {
	w := &workflowProm{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Workflow executions started by definition",
		}, []string{"workflow"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Workflow executions completed by definition and status",
		}, []string{"workflow", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration seconds by definition",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow"}),
	}
	w.once.Do(func() {
		prometheus.MustRegister(w.started, w.completed, w.duration)
	})
	return w
}

func (w *workflowProm) IncWorkflowStarted(workflow string) {
	w.started.WithLabelValues(workflow).Inc()
}

func (w *workflowProm) IncWorkflowCompleted(workflow, status string) {
	w.completed.WithLabelValues(workflow, status).Inc()
}

func (w *workflowProm) ObserveWorkflowDuration(workflow string, durationSeconds float64) {
	w.duration.WithLabelValues(workflow).Observe(durationSeconds)
}
