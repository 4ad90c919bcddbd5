package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultWorkflowRedisURL = "redis://localhost:6379"
	timelineMaxEntries      = 1000
	contextPatchRetries     = 5
)

var (
	// ErrDefinitionNotFound is returned when no workflow definition exists
	// for the requested id (or id/version pair).
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrExecutionNotFound is returned when no execution exists for the id.
	ErrExecutionNotFound = errors.New("workflow execution not found")
)

// RedisStore persists workflow definitions, executions, attempt logs and
// timeline events in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed workflow store.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultWorkflowRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SaveWorkflow persists a new immutable version of a definition and moves
// the latest pointer. The assigned version is written back to wf.Version.
func (s *RedisStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	latest, err := s.latestVersion(ctx, wf.ID)
	if err != nil {
		return err
	}
	wf.Version = latest + 1

	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workflowVersionKey(wf.ID, wf.Version), payload, 0)
	pipe.Set(ctx, workflowLatestKey(wf.ID), wf.Version, 0)
	pipe.ZAdd(ctx, workflowAllIndexKey(), redis.Z{Score: float64(now.Unix()), Member: wf.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetWorkflow returns a specific version of a definition. Version 0 means
// the latest.
func (s *RedisStore) GetWorkflow(ctx context.Context, id string, version int) (*Workflow, error) {
	if id == "" {
		return nil, fmt.Errorf("id required")
	}
	if version <= 0 {
		latest, err := s.latestVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		if latest == 0 {
			return nil, ErrDefinitionNotFound
		}
		version = latest
	}
	data, err := s.client.Get(ctx, workflowVersionKey(id, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDefinitionNotFound
	}
	if err != nil {
		return nil, err
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// ListWorkflows returns the latest version of recent definitions.
func (s *RedisStore) ListWorkflows(ctx context.Context, limit int64) ([]*Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, workflowAllIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, id, 0)
		if err != nil {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

// CreateExecution persists a new execution and indexes it by workflow and
// status.
func (s *RedisStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.WorkflowID == "" {
		return fmt.Errorf("execution id and workflow id required")
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if exec.Status == "" {
		exec.Status = ExecutionInitiated
	}

	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey(exec.ID), payload, 0)
	pipe.ZAdd(ctx, execIndexKey(exec.WorkflowID), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
	pipe.ZAdd(ctx, execAllIndexKey(), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
	pipe.ZAdd(ctx, execStatusIndexKey(exec.Status), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
	if exec.Status.Terminal() {
		pipe.SRem(ctx, execActiveKey(), exec.ID)
	} else {
		pipe.SAdd(ctx, execActiveKey(), exec.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateExecution overwrites an execution document and keeps the status
// indexes consistent.
func (s *RedisStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.WorkflowID == "" {
		return fmt.Errorf("execution id and workflow id required")
	}
	prevStatus := ExecutionStatus("")
	if data, err := s.client.Get(ctx, execKey(exec.ID)).Bytes(); err == nil {
		var prev Execution
		if err := json.Unmarshal(data, &prev); err == nil {
			prevStatus = prev.Status
		}
	}
	now := time.Now().UTC()
	exec.UpdatedAt = now

	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey(exec.ID), payload, 0)
	pipe.ZAdd(ctx, execIndexKey(exec.WorkflowID), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
	pipe.ZAdd(ctx, execAllIndexKey(), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
	pipe.ZAdd(ctx, execStatusIndexKey(exec.Status), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
	if prevStatus != "" && prevStatus != exec.Status {
		pipe.ZRem(ctx, execStatusIndexKey(prevStatus), exec.ID)
	}
	if exec.Status.Terminal() {
		pipe.SRem(ctx, execActiveKey(), exec.ID)
	} else {
		pipe.SAdd(ctx, execActiveKey(), exec.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateExecutionWith applies fn to the freshest stored copy of the execution
// under a WATCH transaction and persists the result with the same index upkeep
// as UpdateExecution. Concurrent context patches (approvals, cancellation) land
// in the copy fn sees instead of being overwritten. The persisted execution is
// returned.
func (s *RedisStore) UpdateExecutionWith(ctx context.Context, execID string, fn func(*Execution) error) (*Execution, error) {
	if execID == "" {
		return nil, fmt.Errorf("execution id required")
	}
	key := execKey(execID)
	for i := 0; i < contextPatchRetries; i++ {
		var updated *Execution
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrExecutionNotFound
			}
			if err != nil {
				return err
			}
			var exec Execution
			if err := json.Unmarshal(data, &exec); err != nil {
				return fmt.Errorf("unmarshal execution: %w", err)
			}
			prevStatus := exec.Status
			if err := fn(&exec); err != nil {
				return err
			}
			now := time.Now().UTC()
			exec.UpdatedAt = now
			payload, err := json.Marshal(&exec)
			if err != nil {
				return fmt.Errorf("marshal execution: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				pipe.ZAdd(ctx, execIndexKey(exec.WorkflowID), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
				pipe.ZAdd(ctx, execAllIndexKey(), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
				pipe.ZAdd(ctx, execStatusIndexKey(exec.Status), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
				if prevStatus != "" && prevStatus != exec.Status {
					pipe.ZRem(ctx, execStatusIndexKey(prevStatus), exec.ID)
				}
				if exec.Status.Terminal() {
					pipe.SRem(ctx, execActiveKey(), exec.ID)
				} else {
					pipe.SAdd(ctx, execActiveKey(), exec.ID)
				}
				return nil
			})
			if err == nil {
				updated = &exec
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update execution: too many conflicts")
}

// GetExecution fetches an execution by id.
func (s *RedisStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id required")
	}
	data, err := s.client.Get(ctx, execKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

// PatchExecutionContext merges patch into the stored execution context under
// a WATCH transaction, so control-plane writes (approvals, cancellation) do
// not race the driving task's own updates.
func (s *RedisStore) PatchExecutionContext(ctx context.Context, execID string, patch map[string]any) error {
	if execID == "" {
		return fmt.Errorf("execution id required")
	}
	if len(patch) == 0 {
		return nil
	}
	key := execKey(execID)
	for i := 0; i < contextPatchRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrExecutionNotFound
			}
			if err != nil {
				return err
			}
			var exec Execution
			if err := json.Unmarshal(data, &exec); err != nil {
				return fmt.Errorf("unmarshal execution: %w", err)
			}
			if exec.Context == nil {
				exec.Context = map[string]any{}
			}
			for k, v := range patch {
				exec.Context[k] = v
			}
			exec.UpdatedAt = time.Now().UTC()
			payload, err := json.Marshal(&exec)
			if err != nil {
				return fmt.Errorf("marshal execution: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("patch execution context: too many conflicts")
}

// ListExecutionsByWorkflow returns recent executions for a workflow.
func (s *RedisStore) ListExecutionsByWorkflow(ctx context.Context, workflowID string, limit int64) ([]*Execution, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, execIndexKey(workflowID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Execution{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, execKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var exec Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			continue
		}
		out = append(out, &exec)
	}
	return out, nil
}

// ListExecutionIDsByStatus returns recent execution ids filtered by status.
func (s *RedisStore) ListExecutionIDsByStatus(ctx context.Context, status ExecutionStatus, limit int64) ([]string, error) {
	if status == "" {
		return nil, fmt.Errorf("status required")
	}
	if limit <= 0 {
		limit = 200
	}
	ids, err := s.client.ZRevRange(ctx, execStatusIndexKey(status), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	return ids, nil
}

// CountActiveExecutions returns the number of non-terminal executions.
func (s *RedisStore) CountActiveExecutions(ctx context.Context) (int, error) {
	count, err := s.client.SCard(ctx, execActiveKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// AppendLog records one stage-attempt row in append-only order.
func (s *RedisStore) AppendLog(ctx context.Context, row *ExecutionLog) error {
	if row == nil || row.ExecutionID == "" {
		return fmt.Errorf("execution id required")
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal execution log: %w", err)
	}
	return s.client.RPush(ctx, execLogKey(row.ExecutionID), data).Err()
}

// ListLogs returns stage-attempt rows for an execution in append order.
func (s *RedisStore) ListLogs(ctx context.Context, execID string, limit int64) ([]ExecutionLog, error) {
	if execID == "" {
		return nil, fmt.Errorf("execution id required")
	}
	if limit <= 0 {
		limit = 500
	}
	raw, err := s.client.LRange(ctx, execLogKey(execID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ExecutionLog, 0, len(raw))
	for _, item := range raw {
		var row ExecutionLog
		if err := json.Unmarshal([]byte(item), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// AppendEvent records an execution timeline event in append-only order.
func (s *RedisStore) AppendEvent(ctx context.Context, event *Event) error {
	if event == nil || event.ExecutionID == "" {
		return fmt.Errorf("execution id required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, execTimelineKey(event.ExecutionID), data)
	pipe.LTrim(ctx, execTimelineKey(event.ExecutionID), -timelineMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListEvents returns timeline events for an execution in chronological order.
// A limit <= 0 returns every retained event.
func (s *RedisStore) ListEvents(ctx context.Context, execID string, limit int64) ([]Event, error) {
	if execID == "" {
		return nil, fmt.Errorf("execution id required")
	}
	end := limit - 1
	if limit <= 0 {
		end = -1
	}
	raw, err := s.client.LRange(ctx, execTimelineKey(execID), 0, end).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var evt Event
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// TrySetIdempotencyKey claims an idempotency key for an execution. Returns
// false when the key is already held.
func (s *RedisStore) TrySetIdempotencyKey(ctx context.Context, key, execID string) (bool, error) {
	if key == "" || execID == "" {
		return false, fmt.Errorf("idempotency key and execution id required")
	}
	return s.client.SetNX(ctx, execIdempotencyKey(key), execID, 0).Result()
}

// GetExecutionByIdempotencyKey returns the execution id holding the key.
func (s *RedisStore) GetExecutionByIdempotencyKey(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("idempotency key required")
	}
	id, err := s.client.Get(ctx, execIdempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrExecutionNotFound
	}
	return id, err
}

func (s *RedisStore) latestVersion(ctx context.Context, id string) (int, error) {
	raw, err := s.client.Get(ctx, workflowLatestKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse latest version: %w", err)
	}
	return v, nil
}

func workflowVersionKey(id string, version int) string {
	return "valora:wf:def:" + id + ":v" + strconv.Itoa(version)
}

func workflowLatestKey(id string) string {
	return "valora:wf:def:" + id + ":latest"
}

func workflowAllIndexKey() string {
	return "valora:wf:index:all"
}

func execKey(id string) string {
	return "valora:wf:exec:" + id
}

func execIndexKey(workflowID string) string {
	return "valora:wf:execs:" + workflowID
}

func execAllIndexKey() string {
	return "valora:wf:execs:all"
}

func execStatusIndexKey(status ExecutionStatus) string {
	return "valora:wf:execs:status:" + string(status)
}

func execActiveKey() string {
	return "valora:wf:execs:active"
}

func execLogKey(execID string) string {
	return "valora:wf:exec:logs:" + execID
}

func execTimelineKey(execID string) string {
	return "valora:wf:exec:timeline:" + execID
}

func execIdempotencyKey(key string) string {
	return "valora:wf:exec:idempotency:" + key
}
