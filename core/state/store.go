package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/afero"

	"github.com/cordum/stepflow/core/infra/config"
)

// Store is the narrow persistence interface every component writes through.
// Implementations give read-after-write visibility within a process and
// overwrite the current slot idempotently.
type Store interface {
	LoadConfig(ctx context.Context) (*ProjectConfig, error)
	SaveConfig(ctx context.Context, cfg *ProjectConfig) error

	// LoadCurrent returns the live execution slot.
	LoadCurrent(ctx context.Context) (*ExecutionState, error)
	// LoadState finds an execution in the current slot or the history.
	LoadState(ctx context.Context, executionID string) (*ExecutionState, error)
	// SaveState overwrites the current slot and archives terminal states.
	SaveState(ctx context.Context, st *ExecutionState) error
	// ListHistory returns archived executions, oldest first.
	ListHistory(ctx context.Context) ([]*ExecutionState, error)

	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error)
	// ListCheckpoints returns the checkpoints of an execution, oldest first.
	ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, executionID, checkpointID string) error

	// LoadArtifactRegistry returns an empty registry when none was saved.
	LoadArtifactRegistry(ctx context.Context) (*ArtifactRegistry, error)
	SaveArtifactRegistry(ctx context.Context, reg *ArtifactRegistry) error

	AppendDecision(ctx context.Context, rec *DecisionRecord) error
	ListDecisions(ctx context.Context, executionID string) ([]DecisionRecord, error)

	Close() error
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StateBackend {
	case config.BackendFile, "":
		return NewFileStore(afero.NewOsFs(), cfg.StateDir), nil
	case config.BackendRedis:
		return NewRedisStore(ctx, cfg.RedisURL)
	case config.BackendSQLite:
		return OpenSQLStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

func encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

func decodeState(data []byte) (*ExecutionState, error) {
	var st ExecutionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode execution state: %w", err)
	}
	if err := checkSchema("execution state", st.SchemaVersion); err != nil {
		return nil, err
	}
	return &st, nil
}

func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if err := checkSchema("checkpoint", cp.SchemaVersion); err != nil {
		return nil, err
	}
	return &cp, nil
}

func decodeConfig(data []byte) (*ProjectConfig, error) {
	var cfg ProjectConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode project config: %w", err)
	}
	if err := checkSchema("project config", cfg.SchemaVersion); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeRegistry(data []byte) (*ArtifactRegistry, error) {
	reg := NewArtifactRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("decode artifact registry: %w", err)
	}
	if err := checkSchema("artifact registry", reg.SchemaVersion); err != nil {
		return nil, err
	}
	if reg.Artifacts == nil {
		reg.Artifacts = make(map[string]ArtifactMetadata)
	}
	if reg.Counts == nil {
		reg.Counts = make(map[ArtifactType]int)
	}
	return reg, nil
}

func decodeDecision(data []byte) (DecisionRecord, error) {
	var rec DecisionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return DecisionRecord{}, fmt.Errorf("decode decision: %w", err)
	}
	return rec, checkSchema("decision", rec.SchemaVersion)
}

// stamp fills the schema version of records about to be written.
func stamp(v *int) {
	if *v == 0 {
		*v = SchemaVersion
	}
}

func sortCheckpoints(cps []*Checkpoint) {
	sort.Slice(cps, func(i, j int) bool { return cps[i].ID < cps[j].ID })
}

func sortHistory(states []*ExecutionState) {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].ID < states[j].ID
		}
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
}
