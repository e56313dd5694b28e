package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLStore keeps records as JSON documents in SQLite tables.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating when needed) the database at path and applies
// pending migrations.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	store, err := NewSQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore migrates db and wraps it.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// SchemaVersion reports the highest applied migration.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) doc(ctx context.Context, what, query string, args ...any) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

func (s *SQLStore) docs(ctx context.Context, query string, args ...any) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, []byte(doc))
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadConfig(ctx context.Context) (*ProjectConfig, error) {
	data, err := s.doc(ctx, "project config", `SELECT doc FROM project_config WHERE slot = 1`)
	if err != nil {
		return nil, err
	}
	return decodeConfig(data)
}

func (s *SQLStore) SaveConfig(ctx context.Context, cfg *ProjectConfig) error {
	stamp(&cfg.SchemaVersion)
	payload, err := encode(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO project_config (slot, doc) VALUES (1, ?)
		ON CONFLICT(slot) DO UPDATE SET doc = excluded.doc`, string(payload))
	return err
}

func (s *SQLStore) LoadCurrent(ctx context.Context) (*ExecutionState, error) {
	data, err := s.doc(ctx, "current execution", `SELECT doc FROM current_state WHERE slot = 1`)
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func (s *SQLStore) LoadState(ctx context.Context, executionID string) (*ExecutionState, error) {
	data, err := s.doc(ctx, "execution "+executionID, `SELECT doc FROM executions WHERE id = ?`, executionID)
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func (s *SQLStore) SaveState(ctx context.Context, st *ExecutionState) error {
	if st.ID == "" {
		return fmt.Errorf("execution id required")
	}
	stamp(&st.SchemaVersion)
	payload, err := encode(st)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `INSERT INTO current_state (slot, execution_id, doc) VALUES (1, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET execution_id = excluded.execution_id, doc = excluded.doc`,
		st.ID, string(payload)); err != nil {
		return fmt.Errorf("write current state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO executions (id, status, archived, created_at, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, archived = excluded.archived, doc = excluded.doc`,
		st.ID, string(st.Status), st.Status.Terminal(), st.CreatedAt.UTC().Format(time.RFC3339Nano), string(payload)); err != nil {
		return fmt.Errorf("write execution: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListHistory(ctx context.Context) ([]*ExecutionState, error) {
	docs, err := s.docs(ctx, `SELECT doc FROM executions WHERE archived = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionState, 0, len(docs))
	for _, d := range docs {
		st, err := decodeState(d)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sortHistory(out)
	return out, nil
}

func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.ID == "" || cp.ExecutionID == "" {
		return fmt.Errorf("checkpoint id and execution id required")
	}
	stamp(&cp.SchemaVersion)
	payload, err := encode(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO checkpoints (id, execution_id, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, cp.ID, cp.ExecutionID, string(payload))
	return err
}

func (s *SQLStore) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	data, err := s.doc(ctx, "checkpoint "+checkpointID, `SELECT doc FROM checkpoints WHERE id = ?`, checkpointID)
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(data)
}

func (s *SQLStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	docs, err := s.docs(ctx, `SELECT doc FROM checkpoints WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(docs))
	for _, d := range docs {
		cp, err := decodeCheckpoint(d)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *SQLStore) DeleteCheckpoint(ctx context.Context, executionID, checkpointID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ? AND execution_id = ?`, checkpointID, executionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
	}
	return nil
}

func (s *SQLStore) LoadArtifactRegistry(ctx context.Context) (*ArtifactRegistry, error) {
	data, err := s.doc(ctx, "artifact registry", `SELECT doc FROM artifact_registry WHERE slot = 1`)
	if errors.Is(err, ErrNotFound) {
		return NewArtifactRegistry(), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRegistry(data)
}

func (s *SQLStore) SaveArtifactRegistry(ctx context.Context, reg *ArtifactRegistry) error {
	stamp(&reg.SchemaVersion)
	reg.UpdatedAt = time.Now().UTC()
	payload, err := encode(reg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO artifact_registry (slot, doc) VALUES (1, ?)
		ON CONFLICT(slot) DO UPDATE SET doc = excluded.doc`, string(payload))
	return err
}

func (s *SQLStore) AppendDecision(ctx context.Context, rec *DecisionRecord) error {
	if rec.ExecutionID == "" {
		return fmt.Errorf("execution id required")
	}
	stamp(&rec.SchemaVersion)
	payload, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO decisions (execution_id, doc) VALUES (?, ?)`, rec.ExecutionID, string(payload))
	return err
}

func (s *SQLStore) ListDecisions(ctx context.Context, executionID string) ([]DecisionRecord, error) {
	docs, err := s.docs(ctx, `SELECT doc FROM decisions WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	out := make([]DecisionRecord, 0, len(docs))
	for _, d := range docs {
		rec, err := decodeDecision(d)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
