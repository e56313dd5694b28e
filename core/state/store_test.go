package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/cordum/stepflow/core/infra/config"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{name: "file", open: func(t *testing.T) Store {
			return NewFileStore(afero.NewMemMapFs(), "/project/.stepflow")
		}},
		{name: "redis", open: func(t *testing.T) Store {
			srv, err := miniredis.Run()
			if err != nil {
				t.Skipf("miniredis unavailable: %v", err)
			}
			t.Cleanup(srv.Close)
			store, err := NewRedisStore(context.Background(), "redis://"+srv.Addr())
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
		{name: "sqlite", open: func(t *testing.T) Store {
			store, err := OpenSQLStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
	}
}

func sampleState(id string, status ExecutionStatus, created time.Time) *ExecutionState {
	return &ExecutionState{
		ID:           id,
		Project:      "demo",
		Status:       status,
		CurrentPhase: 1,
		Phases:       NewPhases("plan", "build"),
		Data:         map[string]any{"owner": "ops"},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestStoreExecutionState(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store := b.open(t)
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

			_, err := store.LoadCurrent(ctx)
			require.ErrorIs(t, err, ErrNotFound)

			first := sampleState("exec-1", StatusRunning, base)
			require.NoError(t, store.SaveState(ctx, first))
			cur, err := store.LoadCurrent(ctx)
			require.NoError(t, err)
			require.Equal(t, "exec-1", cur.ID)
			require.Equal(t, SchemaVersion, cur.SchemaVersion)
			require.Equal(t, "ops", cur.Data["owner"])

			history, err := store.ListHistory(ctx)
			require.NoError(t, err)
			require.Empty(t, history)

			first.Status = StatusCompleted
			require.NoError(t, store.SaveState(ctx, first))
			second := sampleState("exec-2", StatusRunning, base.Add(time.Minute))
			require.NoError(t, store.SaveState(ctx, second))

			cur, err = store.LoadCurrent(ctx)
			require.NoError(t, err)
			require.Equal(t, "exec-2", cur.ID)

			archived, err := store.LoadState(ctx, "exec-1")
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, archived.Status)

			history, err = store.ListHistory(ctx)
			require.NoError(t, err)
			require.Len(t, history, 1)
			require.Equal(t, "exec-1", history[0].ID)

			_, err = store.LoadState(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreRejectsNewerSchema(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store := b.open(t)
			ctx := context.Background()
			st := sampleState("exec-future", StatusRunning, time.Now().UTC())
			st.SchemaVersion = SchemaVersion + 1
			require.NoError(t, store.SaveState(ctx, st))
			_, err := store.LoadState(ctx, "exec-future")
			require.ErrorIs(t, err, ErrSchemaVersion)
		})
	}
}

func TestStoreCheckpoints(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store := b.open(t)
			ctx := context.Background()
			for _, id := range []string{"01C", "01A", "01B"} {
				require.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{
					ID:          id,
					ExecutionID: "exec-1",
					Phase:       1,
					Reason:      ReasonManual,
					State:       map[string]any{"id": id},
				}))
			}
			require.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{ID: "01Z", ExecutionID: "exec-2"}))

			cps, err := store.ListCheckpoints(ctx, "exec-1")
			require.NoError(t, err)
			require.Len(t, cps, 3)
			require.Equal(t, []string{"01A", "01B", "01C"}, []string{cps[0].ID, cps[1].ID, cps[2].ID})

			cp, err := store.LoadCheckpoint(ctx, "01B")
			require.NoError(t, err)
			require.Equal(t, "exec-1", cp.ExecutionID)
			require.Equal(t, "01B", cp.State["id"])

			require.NoError(t, store.DeleteCheckpoint(ctx, "exec-1", "01A"))
			require.ErrorIs(t, store.DeleteCheckpoint(ctx, "exec-1", "01A"), ErrNotFound)
			_, err = store.LoadCheckpoint(ctx, "01A")
			require.ErrorIs(t, err, ErrNotFound)

			cps, err = store.ListCheckpoints(ctx, "exec-1")
			require.NoError(t, err)
			require.Len(t, cps, 2)
		})
	}
}

func TestStoreArtifactsDecisionsAndConfig(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store := b.open(t)
			ctx := context.Background()

			reg, err := store.LoadArtifactRegistry(ctx)
			require.NoError(t, err)
			require.Empty(t, reg.Artifacts)

			reg.Artifacts["a1"] = ArtifactMetadata{ID: "a1", Path: "main.go", Type: ArtifactSourceCode, Version: 1}
			reg.Counts[ArtifactSourceCode] = 1
			require.NoError(t, store.SaveArtifactRegistry(ctx, reg))
			reg, err = store.LoadArtifactRegistry(ctx)
			require.NoError(t, err)
			require.Equal(t, "main.go", reg.Artifacts["a1"].Path)
			require.Equal(t, 1, reg.Counts[ArtifactSourceCode])

			decisions, err := store.ListDecisions(ctx, "exec-1")
			require.NoError(t, err)
			require.Empty(t, decisions)
			require.NoError(t, store.AppendDecision(ctx, &DecisionRecord{ID: "d1", ExecutionID: "exec-1", Description: "first"}))
			require.NoError(t, store.AppendDecision(ctx, &DecisionRecord{ID: "d2", ExecutionID: "exec-1", Description: "second"}))
			require.NoError(t, store.AppendDecision(ctx, &DecisionRecord{ID: "d3", ExecutionID: "exec-2", Description: "other"}))
			decisions, err = store.ListDecisions(ctx, "exec-1")
			require.NoError(t, err)
			require.Len(t, decisions, 2)
			require.Equal(t, "d1", decisions[0].ID)
			require.Equal(t, "d2", decisions[1].ID)

			_, err = store.LoadConfig(ctx)
			require.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, store.SaveConfig(ctx, &ProjectConfig{Name: "demo"}))
			cfg, err := store.LoadConfig(ctx)
			require.NoError(t, err)
			require.Equal(t, "demo", cfg.Name)
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewFileStore(fs, "/p")
	ctx := context.Background()
	st := sampleState("exec-1", StatusFailed, time.Now().UTC())
	require.NoError(t, store.SaveState(ctx, st))
	require.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{ID: "cp1", ExecutionID: "exec-1"}))
	require.NoError(t, store.AppendDecision(ctx, &DecisionRecord{ID: "d1", ExecutionID: "exec-1"}))

	for _, p := range []string{
		"/p/state/current.json",
		"/p/state/history/exec-1.json",
		"/p/state/checkpoints/exec-1/cp1.json",
		"/p/decisions/exec-1.json",
	} {
		ok, err := afero.Exists(fs, p)
		require.NoError(t, err)
		require.True(t, ok, p)
	}
	leftovers, err := afero.Glob(fs, "/p/state/.tmp-*")
	require.NoError(t, err)
	require.Empty(t, leftovers)

	_, err = store.LoadCheckpoint(ctx, "../cp1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()
	store, err := OpenSQLStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.SaveState(ctx, sampleState("exec-1", StatusRunning, time.Now().UTC())))
	require.NoError(t, store.Close())

	store, err = OpenSQLStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	v, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	st, err := store.LoadCurrent(ctx)
	require.NoError(t, err)
	require.Equal(t, "exec-1", st.ID)
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := config.Load()
	cfg.StateBackend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "s.db")
	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &SQLStore{}, store)
	require.NoError(t, store.Close())

	cfg.StateBackend = "etcd"
	_, err = Open(context.Background(), cfg)
	require.Error(t, err)
}
