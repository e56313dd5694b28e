package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/stepflow/core/infra/redisutil"
)

// RedisStore keeps each record as a JSON string. Checkpoints of an execution
// are indexed in a sorted set with a constant score, so members order
// lexically by their ULID ids.
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

// Client returns the underlying client for components sharing the connection.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

func (s *RedisStore) LoadConfig(ctx context.Context) (*ProjectConfig, error) {
	data, err := s.get(ctx, configKey())
	if err != nil {
		return nil, err
	}
	return decodeConfig(data)
}

func (s *RedisStore) SaveConfig(ctx context.Context, cfg *ProjectConfig) error {
	stamp(&cfg.SchemaVersion)
	payload, err := encode(cfg)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, configKey(), payload, 0).Err()
}

func (s *RedisStore) LoadCurrent(ctx context.Context) (*ExecutionState, error) {
	data, err := s.get(ctx, currentKey())
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

// LoadState reads the per-execution document, which is written on every save
// and so covers both the current slot and history.
func (s *RedisStore) LoadState(ctx context.Context, executionID string) (*ExecutionState, error) {
	data, err := s.get(ctx, executionKey(executionID))
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func (s *RedisStore) SaveState(ctx context.Context, st *ExecutionState) error {
	if st.ID == "" {
		return fmt.Errorf("execution id required")
	}
	stamp(&st.SchemaVersion)
	payload, err := encode(st)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, currentKey(), payload, 0)
	pipe.Set(ctx, executionKey(st.ID), payload, 0)
	if st.Status.Terminal() {
		pipe.ZAdd(ctx, historyKey(), redis.Z{Score: float64(st.CreatedAt.UnixNano()), Member: st.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListHistory(ctx context.Context) ([]*ExecutionState, error) {
	ids, err := s.client.ZRange(ctx, historyKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionState, 0, len(ids))
	for _, id := range ids {
		st, err := s.LoadState(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sortHistory(out)
	return out, nil
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.ID == "" || cp.ExecutionID == "" {
		return fmt.Errorf("checkpoint id and execution id required")
	}
	stamp(&cp.SchemaVersion)
	payload, err := encode(cp)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, checkpointKey(cp.ID), payload, 0)
	pipe.ZAdd(ctx, checkpointIndexKey(cp.ExecutionID), redis.Z{Score: 0, Member: cp.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	data, err := s.get(ctx, checkpointKey(checkpointID))
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(data)
}

func (s *RedisStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, checkpointIndexKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.LoadCheckpoint(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *RedisStore) DeleteCheckpoint(ctx context.Context, executionID, checkpointID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, checkpointKey(checkpointID))
	pipe.ZRem(ctx, checkpointIndexKey(executionID), checkpointID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
	}
	return nil
}

func (s *RedisStore) LoadArtifactRegistry(ctx context.Context) (*ArtifactRegistry, error) {
	data, err := s.get(ctx, artifactsKey())
	if errors.Is(err, ErrNotFound) {
		return NewArtifactRegistry(), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRegistry(data)
}

func (s *RedisStore) SaveArtifactRegistry(ctx context.Context, reg *ArtifactRegistry) error {
	stamp(&reg.SchemaVersion)
	reg.UpdatedAt = time.Now().UTC()
	payload, err := encode(reg)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, artifactsKey(), payload, 0).Err()
}

func (s *RedisStore) AppendDecision(ctx context.Context, rec *DecisionRecord) error {
	if rec.ExecutionID == "" {
		return fmt.Errorf("execution id required")
	}
	stamp(&rec.SchemaVersion)
	payload, err := encode(rec)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, decisionsKey(rec.ExecutionID), payload).Err()
}

func (s *RedisStore) ListDecisions(ctx context.Context, executionID string) ([]DecisionRecord, error) {
	items, err := s.client.LRange(ctx, decisionsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DecisionRecord, 0, len(items))
	for _, item := range items {
		rec, err := decodeDecision([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func configKey() string                     { return "sf:state:config" }
func currentKey() string                    { return "sf:state:current" }
func executionKey(id string) string         { return "sf:state:exec:" + id }
func historyKey() string                    { return "sf:state:history" }
func checkpointKey(id string) string        { return "sf:state:cp:" + id }
func checkpointIndexKey(exec string) string { return "sf:state:cps:" + exec }
func artifactsKey() string                  { return "sf:state:artifacts" }
func decisionsKey(exec string) string       { return "sf:state:decisions:" + exec }
