package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/stepflow/core/infra/logging"
	"github.com/cordum/stepflow/core/infra/redisutil"
	"github.com/cordum/stepflow/core/infra/secrets"
)

const timelineMaxEntries = 1000

// ErrExecutionNotFound is returned for unknown execution or definition ids.
var ErrExecutionNotFound = errors.New("execution not found")

// RedisStore persists workflow definitions, execution records and a
// per-execution event timeline in Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to url and returns a store.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SaveDefinition upserts a workflow definition and bumps its index score.
func (s *RedisStore) SaveDefinition(ctx context.Context, def WorkflowDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, definitionKey(def.ID), payload, 0)
	pipe.ZAdd(ctx, definitionIndexKey(), redis.Z{Score: float64(now.UnixNano()), Member: def.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetDefinition returns a workflow definition by id.
func (s *RedisStore) GetDefinition(ctx context.Context, id string) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := s.getJSON(ctx, definitionKey(id), &def); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// ListDefinitions returns the most recently saved definitions first.
func (s *RedisStore) ListDefinitions(ctx context.Context, limit int64) ([]WorkflowDefinition, error) {
	ids, err := s.recent(ctx, definitionIndexKey(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowDefinition, 0, len(ids))
	for _, data := range s.fetch(ctx, ids, definitionKey) {
		var def WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// DeleteDefinition removes a definition and its index entry.
func (s *RedisStore) DeleteDefinition(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, definitionKey(id))
	pipe.ZRem(ctx, definitionIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// SaveExecution overwrites the execution document and moves it between
// status indexes. It satisfies ExecutionStore.
func (s *RedisStore) SaveExecution(ctx context.Context, exec *WorkflowExecution) error {
	if exec == nil || exec.ID == "" || exec.WorkflowID == "" {
		return fmt.Errorf("execution id and workflow id required")
	}
	var prevStatus ExecutionStatus
	if prev, err := s.GetExecution(ctx, exec.ID); err == nil {
		prevStatus = prev.Status
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	score := float64(exec.StartedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, executionKey(exec.ID), payload, 0)
	pipe.ZAdd(ctx, executionIndexKey(exec.WorkflowID), redis.Z{Score: score, Member: exec.ID})
	pipe.ZAdd(ctx, executionAllIndexKey(), redis.Z{Score: score, Member: exec.ID})
	pipe.ZAdd(ctx, executionStatusIndexKey(exec.Status), redis.Z{Score: score, Member: exec.ID})
	if prevStatus != "" && prevStatus != exec.Status {
		pipe.ZRem(ctx, executionStatusIndexKey(prevStatus), exec.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetExecution fetches an execution by id.
func (s *RedisStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	var exec WorkflowExecution
	if err := s.getJSON(ctx, executionKey(id), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns recent executions of workflowID, newest first. An
// empty workflowID lists every workflow.
func (s *RedisStore) ListExecutions(ctx context.Context, workflowID string, limit int64) ([]*WorkflowExecution, error) {
	index := executionAllIndexKey()
	if workflowID != "" {
		index = executionIndexKey(workflowID)
	}
	ids, err := s.recent(ctx, index, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*WorkflowExecution, 0, len(ids))
	for _, data := range s.fetch(ctx, ids, executionKey) {
		var exec WorkflowExecution
		if err := json.Unmarshal(data, &exec); err != nil {
			continue
		}
		out = append(out, &exec)
	}
	return out, nil
}

// ListExecutionIDsByStatus returns recent execution ids with status.
func (s *RedisStore) ListExecutionIDsByStatus(ctx context.Context, status ExecutionStatus, limit int64) ([]string, error) {
	if status == "" {
		return nil, fmt.Errorf("status required")
	}
	return s.recent(ctx, executionStatusIndexKey(status), limit)
}

// DeleteExecution removes an execution, its indexes and its timeline.
func (s *RedisStore) DeleteExecution(ctx context.Context, id string) error {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, executionKey(id))
	pipe.ZRem(ctx, executionAllIndexKey(), id)
	pipe.ZRem(ctx, executionIndexKey(exec.WorkflowID), id)
	pipe.ZRem(ctx, executionStatusIndexKey(exec.Status), id)
	pipe.Del(ctx, timelineKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

// AppendEvent records a lifecycle event on the execution timeline. The
// embedded execution snapshot is dropped; the record itself is stored
// separately. Secret references and values under sensitive keys are
// redacted before the write.
func (s *RedisStore) AppendEvent(ctx context.Context, ev Event) error {
	if ev.ExecutionID == "" {
		return fmt.Errorf("execution id required")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ev.Execution = nil
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	if redacted, _, err := secrets.RedactJSON(data); err == nil {
		data = redacted
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, timelineKey(ev.ExecutionID), data)
	pipe.LTrim(ctx, timelineKey(ev.ExecutionID), -timelineMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListEvents returns timeline events in publish order.
func (s *RedisStore) ListEvents(ctx context.Context, executionID string, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, timelineKey(executionID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// RecordTimeline subscribes to bus and appends every event to the
// timeline. Write failures are logged.
func (s *RedisStore) RecordTimeline(bus *EventBus) func() {
	return bus.Subscribe(func(ev Event) {
		if err := s.AppendEvent(context.Background(), ev); err != nil {
			logging.Error("workflow-store", "append timeline event", "execution_id", ev.ExecutionID, "kind", ev.Kind, "error", err)
		}
	})
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, key)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) recent(ctx context.Context, index string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// fetch pipelines GETs for ids and returns the payloads that exist, in
// the order of ids.
func (s *RedisStore) fetch(ctx context.Context, ids []string, key func(string) string) [][]byte {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, key(id))
	}
	_, _ = pipe.Exec(ctx)
	out := make([][]byte, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

func definitionKey(id string) string { return "sf:wf:def:" + id }

func definitionIndexKey() string { return "sf:wf:defs" }

func executionKey(id string) string { return "sf:wf:exec:" + id }

func executionIndexKey(workflowID string) string { return "sf:wf:execs:wf:" + workflowID }

func executionAllIndexKey() string { return "sf:wf:execs" }

func executionStatusIndexKey(status ExecutionStatus) string {
	return "sf:wf:execs:status:" + string(status)
}

func timelineKey(executionID string) string { return "sf:wf:exec:timeline:" + executionID }
