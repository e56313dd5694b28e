package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// FileStore keeps every record as an indented JSON document under root.
//
//	config.json
//	state/current.json
//	state/history/<executionId>.json
//	state/checkpoints/<executionId>/<checkpointId>.json
//	artifacts/registry.json
//	decisions/<executionId>.json
type FileStore struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

// NewFileStore returns a store rooted at root on fs.
func NewFileStore(fs afero.Fs, root string) *FileStore {
	return &FileStore{fs: fs, root: root}
}

// Fs returns the underlying filesystem.
func (s *FileStore) Fs() afero.Fs { return s.fs }

func (s *FileStore) path(parts ...string) string {
	return path.Join(append([]string{s.root}, parts...)...)
}

func (s *FileStore) read(p string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return data, err
}

func (s *FileStore) write(p string, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.fs, p, data)
}

// writeFileAtomic writes data through a synced temp file renamed over path,
// so readers never see a partial document.
func writeFileAtomic(fs afero.Fs, p string, data []byte) error {
	tmpPath, err := stageFile(fs, p, data)
	if err != nil {
		return err
	}
	return commitFile(fs, tmpPath, p)
}

// stageFile writes data to a synced temp file next to p and returns its
// path. The caller commits it with commitFile or removes it.
func stageFile(fs afero.Fs, p string, data []byte) (string, error) {
	dir := path.Dir(p)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = fs.Remove(tmpPath)
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmpPath, nil
}

func commitFile(fs afero.Fs, tmpPath, p string) error {
	if err := fs.Rename(tmpPath, p); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("rename temp file to %s: %w", p, err)
	}
	return nil
}

func (s *FileStore) LoadConfig(_ context.Context) (*ProjectConfig, error) {
	data, err := s.read(s.path("config.json"))
	if err != nil {
		return nil, err
	}
	return decodeConfig(data)
}

func (s *FileStore) SaveConfig(_ context.Context, cfg *ProjectConfig) error {
	stamp(&cfg.SchemaVersion)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.path("config.json"), cfg)
}

func (s *FileStore) LoadCurrent(_ context.Context) (*ExecutionState, error) {
	data, err := s.read(s.path("state", "current.json"))
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func (s *FileStore) LoadState(ctx context.Context, executionID string) (*ExecutionState, error) {
	if cur, err := s.LoadCurrent(ctx); err == nil && cur.ID == executionID {
		return cur, nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	data, err := s.read(s.path("state", "history", executionID+".json"))
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func (s *FileStore) SaveState(_ context.Context, st *ExecutionState) error {
	if st.ID == "" {
		return fmt.Errorf("execution id required")
	}
	stamp(&st.SchemaVersion)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(s.path("state", "current.json"), st); err != nil {
		return err
	}
	if st.Status.Terminal() {
		return s.write(s.path("state", "history", st.ID+".json"), st)
	}
	return nil
}

func (s *FileStore) ListHistory(_ context.Context) ([]*ExecutionState, error) {
	matches, err := afero.Glob(s.fs, s.path("state", "history", "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionState, 0, len(matches))
	for _, m := range matches {
		data, err := s.read(m)
		if err != nil {
			return nil, err
		}
		st, err := decodeState(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		out = append(out, st)
	}
	sortHistory(out)
	return out, nil
}

func (s *FileStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	if cp.ID == "" || cp.ExecutionID == "" {
		return fmt.Errorf("checkpoint id and execution id required")
	}
	stamp(&cp.SchemaVersion)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.path("state", "checkpoints", cp.ExecutionID, cp.ID+".json"), cp)
}

func (s *FileStore) LoadCheckpoint(_ context.Context, checkpointID string) (*Checkpoint, error) {
	if checkpointID == "" || strings.ContainsAny(checkpointID, "/*?[") {
		return nil, fmt.Errorf("%w: checkpoint %q", ErrNotFound, checkpointID)
	}
	matches, err := afero.Glob(s.fs, s.path("state", "checkpoints", "*", checkpointID+".json"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
	}
	data, err := s.read(matches[0])
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(data)
}

func (s *FileStore) ListCheckpoints(_ context.Context, executionID string) ([]*Checkpoint, error) {
	matches, err := afero.Glob(s.fs, s.path("state", "checkpoints", executionID, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(matches))
	for _, m := range matches {
		data, err := s.read(m)
		if err != nil {
			return nil, err
		}
		cp, err := decodeCheckpoint(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *FileStore) DeleteCheckpoint(_ context.Context, executionID, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.fs.Remove(s.path("state", "checkpoints", executionID, checkpointID+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
	}
	return err
}

func (s *FileStore) LoadArtifactRegistry(_ context.Context) (*ArtifactRegistry, error) {
	data, err := s.read(s.path("artifacts", "registry.json"))
	if errors.Is(err, ErrNotFound) {
		return NewArtifactRegistry(), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRegistry(data)
}

func (s *FileStore) SaveArtifactRegistry(_ context.Context, reg *ArtifactRegistry) error {
	stamp(&reg.SchemaVersion)
	reg.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.path("artifacts", "registry.json"), reg)
}

func (s *FileStore) AppendDecision(_ context.Context, rec *DecisionRecord) error {
	if rec.ExecutionID == "" {
		return fmt.Errorf("execution id required")
	}
	stamp(&rec.SchemaVersion)
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path("decisions", rec.ExecutionID+".json")
	log, err := s.readDecisions(p)
	if err != nil {
		return err
	}
	return s.write(p, append(log, *rec))
}

func (s *FileStore) ListDecisions(_ context.Context, executionID string) ([]DecisionRecord, error) {
	return s.readDecisions(s.path("decisions", executionID+".json"))
}

func (s *FileStore) readDecisions(p string) ([]DecisionRecord, error) {
	data, err := s.read(p)
	if errors.Is(err, ErrNotFound) {
		return []DecisionRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode decision log: %w", err)
	}
	out := make([]DecisionRecord, 0, len(raw))
	for _, item := range raw {
		rec, err := decodeDecision(item)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
