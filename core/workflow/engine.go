package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valora-ai/valora/core/audit"
	"github.com/valora-ai/valora/core/breaker"
	"github.com/valora-ai/valora/core/guardrail"
	"github.com/valora-ai/valora/core/infra/config"
	"github.com/valora-ai/valora/core/infra/logging"
	"github.com/valora-ai/valora/core/infra/metrics"
)

const (
	defaultMaxConcurrent    = 8
	defaultApprovalPoll     = 500 * time.Millisecond
	defaultStageTimeout     = 120 * time.Second
	errExecutionCancelled   = "execution cancelled"
	logComponent            = "workflow-engine"
)

// ErrKillSwitchEnabled is returned when the global kill switch blocks a new
// execution before any state is created.
var ErrKillSwitchEnabled = errors.New("autonomy kill-switch enabled")

// CompensationHandler undoes the effects of a failed execution. Handlers
// are registered by name and referenced from stage definitions.
type CompensationHandler interface {
	Compensate(ctx context.Context, cc CompensationContext) error
}

// CompensationFunc adapts a function to a CompensationHandler.
type CompensationFunc func(ctx context.Context, cc CompensationContext) error

func (f CompensationFunc) Compensate(ctx context.Context, cc CompensationContext) error {
	return f(ctx, cc)
}

// Engine drives workflow executions stage by stage: guardrail checks,
// circuit-breaker consults, bounded agent invocations with retry and
// backoff, transitions, and compensation on failure.
type Engine struct {
	store    *RedisStore
	invoker  AgentInvoker
	guards   *guardrail.Evaluator
	breakers *breaker.Registry
	autonomy config.AutonomySource
	sink     audit.Sink
	metrics  metrics.Metrics
	wfMet    metrics.WorkflowMetrics

	mu    sync.Mutex
	comps map[string]CompensationHandler

	sem    chan struct{}
	semSet bool
	wg     sync.WaitGroup

	spendMu sync.Mutex
	spend   []spendEntry

	rootCtx context.Context
	cancel  context.CancelFunc

	approvalPoll time.Duration
	now          func() time.Time
	newID        func() string
	sleep        func(ctx context.Context, d time.Duration) error
	rngMu        sync.Mutex
	rng          *rand.Rand
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithAuditSink routes engine audit events to the sink.
func WithAuditSink(sink audit.Sink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithMetrics sets the stage-level metrics implementation.
func WithMetrics(m metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithWorkflowMetrics sets the execution-level metrics implementation.
func WithWorkflowMetrics(m metrics.WorkflowMetrics) EngineOption {
	return func(e *Engine) { e.wfMet = m }
}

// WithMaxConcurrent bounds how many executions drive stages at once,
// overriding the autonomy policy's max_concurrent_agents.
func WithMaxConcurrent(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
			e.semSet = true
		}
	}
}

// WithApprovalPoll sets how often a paused execution re-checks guardrails.
func WithApprovalPoll(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.approvalPoll = d
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides execution id generation for tests.
func WithIDGenerator(gen func() string) EngineOption {
	return func(e *Engine) { e.newID = gen }
}

// WithSleep overrides backoff waits for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) { e.sleep = fn }
}

// WithJitterSeed seeds the jitter source for reproducible backoff.
func WithJitterSeed(seed int64) EngineOption {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// NewEngine constructs a workflow engine. The autonomy source is consulted
// fresh at every stage boundary so operator policy changes take effect on
// running executions.
func NewEngine(store *RedisStore, invoker AgentInvoker, guards *guardrail.Evaluator, breakers *breaker.Registry, autonomy config.AutonomySource, opts ...EngineOption) *Engine {
	rootCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:        store,
		invoker:      invoker,
		guards:       guards,
		breakers:     breakers,
		autonomy:     autonomy,
		sink:         audit.Noop{},
		metrics:      metrics.Noop{},
		wfMet:        metrics.NoopWorkflow{},
		comps:        map[string]CompensationHandler{},
		sem:          make(chan struct{}, defaultMaxConcurrent),
		rootCtx:      rootCtx,
		cancel:       cancel,
		approvalPoll: defaultApprovalPoll,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.semSet {
		if cfg := autonomy.Autonomy(); cfg != nil && cfg.Global.MaxConcurrentAgents > 0 {
			e.sem = make(chan struct{}, cfg.Global.MaxConcurrentAgents)
		}
	}
	return e
}

// spendEntry is one timestamped stage cost, pruned once it ages out of the
// trailing hour.
type spendEntry struct {
	at  time.Time
	usd float64
}

func (e *Engine) recordSpend(cost float64) {
	if cost <= 0 {
		return
	}
	e.spendMu.Lock()
	e.spend = append(e.spend, spendEntry{at: e.now(), usd: cost})
	e.spendMu.Unlock()
}

// hourlySpend sums stage costs recorded over the trailing hour, pruning
// entries that have aged out.
func (e *Engine) hourlySpend() float64 {
	cutoff := e.now().Add(-time.Hour)
	e.spendMu.Lock()
	defer e.spendMu.Unlock()
	kept := e.spend[:0]
	var total float64
	for _, s := range e.spend {
		if s.at.After(cutoff) {
			kept = append(kept, s)
			total += s.usd
		}
	}
	e.spend = kept
	return total
}

// RegisterCompensation binds a named compensation handler.
func (e *Engine) RegisterCompensation(name string, handler CompensationHandler) {
	if name == "" || handler == nil {
		return
	}
	e.mu.Lock()
	e.comps[name] = handler
	e.mu.Unlock()
}

func (e *Engine) compensationFor(name string) CompensationHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.comps[name]
}

// Shutdown stops the engine and waits for in-flight executions to reach a
// stage boundary.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits for in-flight executions without cancelling them.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// ExecuteRequest asks the engine to start one workflow execution.
type ExecuteRequest struct {
	WorkflowID     string
	Version        int
	Context        map[string]any
	InitiatedBy    string
	IdempotencyKey string
}

// Execute checks the kill switch, creates the execution record, and starts
// driving it asynchronously. Returns the created (or, for a repeated
// idempotency key, the existing) execution.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*Execution, error) {
	if req.WorkflowID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	if cfg := e.autonomy.Autonomy(); cfg != nil && cfg.KillSwitchEnabled {
		audit.Emit(ctx, e.sink, audit.Event{
			Action: audit.ActionGuardrailDenied,
			Reason: guardrail.ReasonKillSwitch,
			Details: map[string]any{"workflow_id": req.WorkflowID},
		})
		e.metrics.IncGuardrailDenied(guardrail.ReasonKillSwitch)
		return nil, ErrKillSwitchEnabled
	}

	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID, req.Version)
	if err != nil {
		return nil, err
	}
	if err := ValidateWorkflow(wf); err != nil {
		return nil, err
	}

	execID := e.newID()
	if req.IdempotencyKey != "" {
		claimed, err := e.store.TrySetIdempotencyKey(ctx, req.IdempotencyKey, execID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			existingID, err := e.store.GetExecutionByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			return e.store.GetExecution(ctx, existingID)
		}
	}

	now := e.now()
	execCtx := make(map[string]any, len(req.Context))
	for k, v := range req.Context {
		execCtx[k] = v
	}
	exec := &Execution{
		ID:              execID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          ExecutionInitiated,
		CurrentStage:    wf.InitialStage,
		Context:         execCtx,
		InitiatedBy:     req.InitiatedBy,
		IdempotencyKey:  req.IdempotencyKey,
		StartedAt:       &now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.wfMet.IncWorkflowStarted(wf.ID)
	logging.Info(logComponent, "execution started",
		"execution_id", exec.ID, "workflow_id", wf.ID, "version", wf.Version)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
		case <-e.rootCtx.Done():
			return
		}
		defer func() { <-e.sem }()
		e.drive(exec.ID)
	}()
	return exec, nil
}

// Approve records operator approval for a paused execution.
func (e *Engine) Approve(ctx context.Context, execID string) error {
	return e.store.PatchExecutionContext(ctx, execID, map[string]any{
		ContextKeyApprovals: map[string]any{execID: true},
	})
}

// Cancel flags an execution for cancellation; the driving task honors the
// flag at the next stage boundary.
func (e *Engine) Cancel(ctx context.Context, execID string) error {
	return e.store.PatchExecutionContext(ctx, execID, map[string]any{
		ContextKeyCancel: true,
	})
}

// ExecutionStatus returns the current execution document.
func (e *Engine) ExecutionStatus(ctx context.Context, execID string) (*Execution, error) {
	return e.store.GetExecution(ctx, execID)
}

// Resume re-adopts an execution left non-terminal by a previous process,
// driving it from its current stage. Already-terminal executions are a no-op.
func (e *Engine) Resume(ctx context.Context, execID string) error {
	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	logging.Info(logComponent, "resuming execution",
		"execution_id", exec.ID, "workflow_id", exec.WorkflowID, "stage", exec.CurrentStage)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
		case <-e.rootCtx.Done():
			return
		}
		defer func() { <-e.sem }()
		e.drive(exec.ID)
	}()
	return nil
}

type stageOutcome int

const (
	outcomeCompleted stageOutcome = iota
	outcomeFailed
	outcomeDenied
	outcomeDeniedTerminal
	outcomeCancelled
	outcomeStopped
)

// drive advances one execution to a terminal status. It owns the execution
// document: control-plane writes go through context patches and are picked
// up on the re-fetch at each stage boundary.
func (e *Engine) drive(execID string) {
	ctx := e.rootCtx
	for {
		exec, err := e.store.GetExecution(ctx, execID)
		if err != nil {
			logging.Error(logComponent, "get execution failed", "execution_id", execID, "error", err)
			return
		}
		if exec.Status.Terminal() {
			return
		}
		wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
		if err != nil {
			e.finish(ctx, exec, ExecutionFailed, "workflow definition missing: "+err.Error())
			return
		}
		stage, ok := wf.StageByID(exec.CurrentStage)
		if !ok {
			e.finish(ctx, exec, ExecutionFailed, fmt.Sprintf("unknown stage %s", exec.CurrentStage))
			return
		}
		if cancelRequested(exec.Context) {
			e.compensateAndFinish(ctx, exec, stage, errExecutionCancelled)
			return
		}

		outcome, detail := e.runStage(ctx, exec, stage)
		switch outcome {
		case outcomeCompleted:
			if wf.IsFinal(stage.ID) {
				e.finish(ctx, exec, ExecutionCompleted, "")
				return
			}
			next, err := nextStage(wf, stage.ID, exec.Context)
			if err != nil {
				e.finish(ctx, exec, ExecutionFailed, "transition condition: "+err.Error())
				return
			}
			if next == "" {
				e.finish(ctx, exec, ExecutionCompleted, "")
				return
			}
			if _, err := e.store.UpdateExecutionWith(ctx, exec.ID, func(cur *Execution) error {
				cur.CurrentStage = next
				cur.Status = ExecutionInProgress
				return nil
			}); err != nil {
				logging.Error(logComponent, "update execution failed", "execution_id", exec.ID, "error", err)
				return
			}
		case outcomeCancelled:
			e.compensateAndFinish(ctx, exec, stage, errExecutionCancelled)
			return
		case outcomeDenied, outcomeDeniedTerminal:
			e.finish(ctx, exec, ExecutionFailed, detail)
			return
		case outcomeFailed:
			e.compensateAndFinish(ctx, exec, stage, detail)
			return
		case outcomeStopped:
			// engine shutting down; leave the execution for a later resume
			return
		}
	}
}

// runStage gates the stage through guardrails (pausing on approval-style
// denials), then runs the attempt loop with breaker consults and backoff.
func (e *Engine) runStage(ctx context.Context, exec *Execution, stage *Stage) (stageOutcome, string) {
	for {
		fresh, err := e.store.GetExecution(ctx, exec.ID)
		if err != nil {
			return outcomeFailed, "get execution: " + err.Error()
		}
		exec.Context = fresh.Context
		if cancelRequested(exec.Context) {
			return outcomeCancelled, errExecutionCancelled
		}

		dec := e.guards.Evaluate(ctx, guardrail.ExecutionInfo{
			ID:             exec.ID,
			StartedAt:      startedAt(exec),
			CostUsd:        exec.TotalCostUsd,
			HourlySpendUsd: e.hourlySpend(),
			Context:        exec.Context,
		}, guardrail.StageInfo{
			StageID:  stage.ID,
			AgentID:  stage.AgentType,
			Actions:  stage.Actions,
			ReadOnly: stage.ReadOnly,
		})
		if dec.Allowed {
			break
		}
		if dec.Terminal {
			return outcomeDeniedTerminal, dec.Reason
		}
		if dec.Reason == guardrail.ReasonApprovalRequired || dec.Reason == guardrail.ReasonAssistApproval {
			// paused awaiting operator approval
			if err := e.sleep(ctx, e.approvalPoll); err != nil {
				return outcomeStopped, dec.Reason
			}
			continue
		}
		return outcomeDenied, dec.Reason
	}

	rc := normalizeRetry(stage.Retry)
	brKey := stage.AgentType
	e.emitEvent(ctx, exec.ID, EventStageStarted, stage.ID, "", nil)

	var lastErr string
	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		started := e.now()
		if !e.breakers.Allow(brKey) {
			lastErr = fmt.Sprintf("circuit open for agent %s", stage.AgentType)
			e.appendLog(ctx, ExecutionLog{
				ExecutionID: exec.ID, StageID: stage.ID, Status: AttemptFailed,
				Attempt: attempt, Error: lastErr, Retry: &rc,
				StartedAt: started, CompletedAt: started,
			})
			if attempt == rc.MaxAttempts {
				break
			}
			if !e.waitBackoff(ctx, exec.ID, stage.ID, rc, attempt, lastErr) {
				return outcomeStopped, lastErr
			}
			continue
		}

		e.metrics.IncStagesDispatched(stage.ID)
		input := map[string]any{
			"stage_id":    stage.ID,
			"workflow_id": exec.WorkflowID,
			"actions":     stage.Actions,
		}
		invokeCtx, cancelInvoke := context.WithTimeout(ctx, stageTimeout(stage))
		res, err := e.invoker.Invoke(invokeCtx, stage.AgentType, input, exec.Context)
		cancelInvoke()
		completed := e.now()

		if err == nil && res != nil && res.Success {
			e.breakers.RecordSuccess(brKey)
			e.metrics.IncStagesCompleted(stage.ID, "completed")
			e.appendLog(ctx, ExecutionLog{
				ExecutionID: exec.ID, StageID: stage.ID, Status: AttemptCompleted,
				Attempt: attempt, Input: input, Output: res.Output, Retry: &rc,
				StartedAt: started, CompletedAt: completed,
				DurationMs: completed.Sub(started).Milliseconds(),
			})
			e.recordSpend(res.CostUsd)
			// Merge under WATCH so a cancel or approval patched in while the
			// agent ran is not overwritten by the stage result.
			updated, uerr := e.store.UpdateExecutionWith(ctx, exec.ID, func(cur *Execution) error {
				applyStageResult(cur, stage, res)
				cur.Status = ExecutionInProgress
				cur.Breakers = e.breakers.SnapshotAll()
				return nil
			})
			if uerr != nil {
				return outcomeFailed, "update execution: " + uerr.Error()
			}
			*exec = *updated
			e.emitEvent(ctx, exec.ID, EventStageCompleted, stage.ID, "", map[string]any{"attempt": attempt})
			return outcomeCompleted, ""
		}

		lastErr = attemptError(res, err)
		e.breakers.RecordFailure(brKey)
		e.metrics.IncStagesCompleted(stage.ID, "failed")
		e.appendLog(ctx, ExecutionLog{
			ExecutionID: exec.ID, StageID: stage.ID, Status: AttemptFailed,
			Attempt: attempt, Error: lastErr, Input: input, Retry: &rc,
			StartedAt: started, CompletedAt: completed,
			DurationMs: completed.Sub(started).Milliseconds(),
		})
		e.emitEvent(ctx, exec.ID, EventStageFailed, stage.ID, lastErr, map[string]any{"attempt": attempt})
		logging.Error(logComponent, "stage attempt failed",
			"execution_id", exec.ID, "stage_id", stage.ID, "attempt", attempt, "error", lastErr)

		if attempt < rc.MaxAttempts {
			if !e.waitBackoff(ctx, exec.ID, stage.ID, rc, attempt, lastErr) {
				return outcomeStopped, lastErr
			}
		}
	}
	return outcomeFailed, lastErr
}

func (e *Engine) waitBackoff(ctx context.Context, execID, stageID string, rc RetryConfig, attempt int, reason string) bool {
	e.rngMu.Lock()
	delay := backoffDelay(rc, attempt, e.rng)
	e.rngMu.Unlock()
	e.emitEvent(ctx, execID, EventStageRetrying, stageID, reason, map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	})
	return e.sleep(ctx, delay) == nil
}

// compensateAndFinish runs the failed stage's compensation handler, if any,
// and settles the execution as rolled_back or failed.
func (e *Engine) compensateAndFinish(ctx context.Context, exec *Execution, stage *Stage, errMsg string) {
	handler := e.compensationFor(stage.Compensation)
	if stage.Compensation == "" || handler == nil {
		e.finish(ctx, exec, ExecutionFailed, errMsg)
		return
	}
	cc := CompensationContext{
		ExecutionID:   exec.ID,
		FailedStageID: stage.ID,
		Artifacts:     contextArtifacts(exec.Context),
		StateChanges:  contextStateChanges(exec.Context),
	}
	if err := handler.Compensate(ctx, cc); err != nil {
		logging.Error(logComponent, "compensation failed",
			"execution_id", exec.ID, "handler", stage.Compensation, "error", err)
		audit.Emit(ctx, e.sink, audit.Event{
			ExecutionID: exec.ID, StageID: stage.ID,
			Action: audit.ActionCompensationRun, Reason: "compensation failed: " + err.Error(),
		})
		e.finish(ctx, exec, ExecutionFailed, errMsg)
		return
	}
	audit.Emit(ctx, e.sink, audit.Event{
		ExecutionID: exec.ID, StageID: stage.ID,
		Action: audit.ActionCompensationRun,
		Details: map[string]any{"handler": stage.Compensation, "artifacts": len(cc.Artifacts)},
	})
	e.finish(ctx, exec, ExecutionRolledBack, errMsg)
}

// finish settles an execution into a terminal status and emits the closing
// event, audit record and metrics.
func (e *Engine) finish(ctx context.Context, exec *Execution, status ExecutionStatus, errMsg string) {
	now := e.now()
	updated, err := e.store.UpdateExecutionWith(ctx, exec.ID, func(cur *Execution) error {
		cur.Status = status
		cur.ErrorMessage = errMsg
		cur.CompletedAt = &now
		cur.Breakers = e.breakers.SnapshotAll()
		return nil
	})
	if err != nil {
		logging.Error(logComponent, "finalize execution failed", "execution_id", exec.ID, "error", err)
		exec.Status = status
		exec.ErrorMessage = errMsg
		exec.CompletedAt = &now
	} else {
		*exec = *updated
	}

	var evtType EventType
	var action string
	switch status {
	case ExecutionCompleted:
		evtType, action = EventWorkflowCompleted, audit.ActionWorkflowCompleted
	case ExecutionRolledBack:
		evtType, action = EventWorkflowRolledBack, audit.ActionWorkflowRolledBack
	default:
		evtType, action = EventWorkflowFailed, audit.ActionWorkflowFailed
	}
	e.emitEvent(ctx, exec.ID, evtType, exec.CurrentStage, errMsg, nil)
	audit.Emit(ctx, e.sink, audit.Event{
		ExecutionID: exec.ID, Action: action, Reason: errMsg,
		Details: map[string]any{"workflow_id": exec.WorkflowID, "cost_usd": exec.TotalCostUsd},
	})
	e.wfMet.IncWorkflowCompleted(exec.WorkflowID, string(status))
	if exec.StartedAt != nil {
		e.wfMet.ObserveWorkflowDuration(exec.WorkflowID, now.Sub(*exec.StartedAt).Seconds())
	}
	logging.Info(logComponent, "execution finished",
		"execution_id", exec.ID, "workflow_id", exec.WorkflowID, "status", string(status), "error", errMsg)
}

func (e *Engine) appendLog(ctx context.Context, row ExecutionLog) {
	if err := e.store.AppendLog(ctx, &row); err != nil {
		logging.Error(logComponent, "append log failed", "execution_id", row.ExecutionID, "error", err)
	}
}

func (e *Engine) emitEvent(ctx context.Context, execID string, evtType EventType, stageID, reason string, details map[string]any) {
	evt := Event{
		ExecutionID: execID,
		Type:        evtType,
		StageID:     stageID,
		Reason:      reason,
		Details:     details,
		Time:        e.now(),
	}
	if err := e.store.AppendEvent(ctx, &evt); err != nil {
		logging.Error(logComponent, "append event failed", "execution_id", execID, "error", err)
	}
}

// nextStage picks the first transition out of the stage whose condition
// holds against the execution context. Empty means no outgoing edge.
func nextStage(wf *Workflow, stageID string, execCtx map[string]any) (string, error) {
	for _, tr := range wf.Transitions {
		if tr.From != stageID {
			continue
		}
		ok, err := EvalCondition(tr.Condition, execCtx)
		if err != nil {
			return "", err
		}
		if ok {
			return tr.To, nil
		}
	}
	return "", nil
}

// applyStageResult merges the agent output into the execution context and
// records the step in the executed-step history.
func applyStageResult(exec *Execution, stage *Stage, res *AgentResult) {
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}
	outputs, _ := exec.Context[ContextKeyOutputs].(map[string]any)
	if outputs == nil {
		outputs = map[string]any{}
	}
	outputs[stage.ID] = res.Output
	exec.Context[ContextKeyOutputs] = outputs

	step := map[string]any{
		"stage_id": stage.ID,
		"agent":    stage.AgentType,
	}
	switch steps := exec.Context[ContextKeyExecutedSteps].(type) {
	case []any:
		exec.Context[ContextKeyExecutedSteps] = append(steps, step)
	default:
		exec.Context[ContextKeyExecutedSteps] = []any{step}
	}

	for _, a := range outputArtifacts(res.Output) {
		switch arts := exec.Context[ContextKeyArtifacts].(type) {
		case []any:
			exec.Context[ContextKeyArtifacts] = append(arts, a)
		default:
			exec.Context[ContextKeyArtifacts] = []any{a}
		}
	}
	exec.TotalCostUsd += res.CostUsd
}

func outputArtifacts(output map[string]any) []string {
	raw, ok := output[ContextKeyArtifacts]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func contextArtifacts(execCtx map[string]any) []string {
	raw, ok := execCtx[ContextKeyArtifacts]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func contextStateChanges(execCtx map[string]any) []map[string]any {
	raw, ok := execCtx[ContextKeyExecutedSteps]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func cancelRequested(execCtx map[string]any) bool {
	v, ok := execCtx[ContextKeyCancel].(bool)
	return ok && v
}

func startedAt(exec *Execution) time.Time {
	if exec.StartedAt != nil {
		return *exec.StartedAt
	}
	return exec.CreatedAt
}

func stageTimeout(stage *Stage) time.Duration {
	if stage.TimeoutSec > 0 {
		return time.Duration(stage.TimeoutSec) * time.Second
	}
	return defaultStageTimeout
}

func attemptError(res *AgentResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res != nil && res.Error != "" {
		return res.Error
	}
	return "agent reported failure"
}
