package state

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cordum/stepflow/core/infra/logging"
	"github.com/cordum/stepflow/core/infra/metrics"
)

const checkpointComponent = "state-checkpoints"

// idSource hands out ULIDs that strictly increase within the process, even
// when several are minted in the same millisecond.
type idSource struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// CheckpointManager snapshots execution state and restores it for resume.
type CheckpointManager struct {
	store     Store
	ids       *idSource
	retention int
	metrics   metrics.StateMetrics
	now       func() time.Time
}

// CheckpointManagerOption configures a CheckpointManager.
type CheckpointManagerOption func(*CheckpointManager)

// WithRetention keeps at most n checkpoints per execution. Zero keeps all.
func WithRetention(n int) CheckpointManagerOption {
	return func(m *CheckpointManager) {
		if n >= 0 {
			m.retention = n
		}
	}
}

// WithCheckpointMetrics records creates and prunes.
func WithCheckpointMetrics(sm metrics.StateMetrics) CheckpointManagerOption {
	return func(m *CheckpointManager) {
		if sm != nil {
			m.metrics = sm
		}
	}
}

// NewCheckpointManager returns a manager writing through store.
func NewCheckpointManager(store Store, opts ...CheckpointManagerOption) *CheckpointManager {
	m := &CheckpointManager{
		store:   store,
		ids:     newIDSource(),
		metrics: metrics.Noop{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckpointOption adds optional content to a checkpoint.
type CheckpointOption func(*Checkpoint)

// WithPendingMessages stores messages that were queued but not yet handled.
func WithPendingMessages(msgs []map[string]any) CheckpointOption {
	return func(cp *Checkpoint) { cp.PendingMessages = msgs }
}

// CreateCheckpoint snapshots the execution's data merged with extra, saves it
// and points the execution's latest checkpoint at it.
func (m *CheckpointManager) CreateCheckpoint(ctx context.Context, executionID string, reason CheckpointReason, extra map[string]any, opts ...CheckpointOption) (*Checkpoint, error) {
	st, err := m.store.LoadState(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if reason == "" {
		reason = ReasonManual
	}
	snapshot := st.Clone()
	data := snapshot.Data
	if data == nil {
		data = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		data[k] = v
	}
	now := m.now()
	cp := &Checkpoint{
		SchemaVersion: SchemaVersion,
		ID:            m.ids.next(now),
		ExecutionID:   executionID,
		Phase:         st.CurrentPhase,
		Reason:        reason,
		CreatedAt:     now,
		State:         data,
		Phases:        snapshot.Phases,
	}
	for _, opt := range opts {
		opt(cp)
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		m.metrics.IncPersistenceError("save_checkpoint")
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	st.LatestCheckpointID = cp.ID
	st.UpdatedAt = now
	if err := m.store.SaveState(ctx, st); err != nil {
		m.metrics.IncPersistenceError("save_state")
		return nil, fmt.Errorf("update execution %s: %w", executionID, err)
	}
	m.metrics.IncCheckpointCreated(string(reason))
	m.prune(ctx, executionID)
	return cp, nil
}

// prune drops the oldest checkpoints beyond the retention cap. Failures are
// logged and counted only.
func (m *CheckpointManager) prune(ctx context.Context, executionID string) {
	if m.retention == 0 {
		return
	}
	cps, err := m.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		m.metrics.IncCheckpointPruned("error")
		logging.Warn(checkpointComponent, "list checkpoints for prune failed", "execution_id", executionID, "error", err)
		return
	}
	for i := 0; i < len(cps)-m.retention; i++ {
		if err := m.store.DeleteCheckpoint(ctx, executionID, cps[i].ID); err != nil {
			m.metrics.IncCheckpointPruned("error")
			logging.Warn(checkpointComponent, "prune checkpoint failed", "execution_id", executionID, "checkpoint_id", cps[i].ID, "error", err)
			continue
		}
		m.metrics.IncCheckpointPruned("pruned")
	}
}

// ListCheckpoints returns the execution's checkpoints, oldest first.
func (m *CheckpointManager) ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, executionID)
}

// LatestCheckpoint returns the newest checkpoint of the execution.
func (m *CheckpointManager) LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	cps, err := m.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for %s", ErrNotFound, executionID)
	}
	return cps[len(cps)-1], nil
}

// ResumeFromCheckpoint overlays the checkpoint onto its execution, marks it
// running at the checkpoint's phase and resets every later phase to pending.
// Resuming twice from the same checkpoint yields the same state.
func (m *CheckpointManager) ResumeFromCheckpoint(ctx context.Context, checkpointID string) (*ExecutionState, error) {
	cp, err := m.store.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	st, err := m.store.LoadState(ctx, cp.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", cp.ExecutionID, err)
	}
	if st.Data == nil {
		st.Data = make(map[string]any, len(cp.State))
	}
	for k, v := range cp.State {
		st.Data[k] = v
	}
	st.Status = StatusRunning
	st.CurrentPhase = cp.Phase
	st.CompletedAt = nil
	for i := range st.Phases {
		if st.Phases[i].Phase > cp.Phase {
			st.Phases[i].reset()
		}
	}
	st.UpdatedAt = m.now()
	if err := m.store.SaveState(ctx, st); err != nil {
		m.metrics.IncPersistenceError("save_state")
		return nil, fmt.Errorf("save resumed execution: %w", err)
	}
	logging.Info(checkpointComponent, "resumed execution", "execution_id", st.ID, "checkpoint_id", cp.ID, "phase", cp.Phase)
	return st, nil
}

// ResumeLatest resumes from the newest checkpoint of the execution.
func (m *CheckpointManager) ResumeLatest(ctx context.Context, executionID string) (*ExecutionState, error) {
	cp, err := m.LatestCheckpoint(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return m.ResumeFromCheckpoint(ctx, cp.ID)
}

// ResumeFromLastCompletedPhase resumes from the newest checkpoint taken at or
// before the last completed phase. Without one it moves the execution to the
// phase after the last completed one.
func (m *CheckpointManager) ResumeFromLastCompletedPhase(ctx context.Context, executionID string) (*ExecutionState, error) {
	st, err := m.store.LoadState(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	last := st.LastCompletedPhase()
	cps, err := m.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].Phase <= last {
			return m.ResumeFromCheckpoint(ctx, cps[i].ID)
		}
	}
	st.CurrentPhase = last + 1
	st.Status = StatusRunning
	st.CompletedAt = nil
	st.UpdatedAt = m.now()
	if err := m.store.SaveState(ctx, st); err != nil {
		m.metrics.IncPersistenceError("save_state")
		return nil, fmt.Errorf("save resumed execution: %w", err)
	}
	return st, nil
}
