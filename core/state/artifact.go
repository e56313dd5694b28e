package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"github.com/cordum/stepflow/core/infra/metrics"
)

// ErrInvalidPath rejects artifact paths that leave the workspace.
var ErrInvalidPath = errors.New("invalid artifact path")

// ArtifactInput describes an output to register. A nil Content means the
// file already exists in the workspace and is read from there.
type ArtifactInput struct {
	Name    string
	Path    string
	Type    ArtifactType
	Phase   int
	UnitID  string
	Content []byte
}

// VerifyResult compares a stored artifact with the file on disk.
type VerifyResult struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	Exists       bool   `json:"exists"`
	Valid        bool   `json:"valid"`
	ExpectedHash string `json:"expectedHash"`
	ActualHash   string `json:"actualHash,omitempty"`
}

// ArtifactManager versions generated files by content hash.
type ArtifactManager struct {
	store     Store
	fs        afero.Fs
	workspace string
	ids       *idSource
	metrics   metrics.StateMetrics
	mu        sync.Mutex
}

// NewArtifactManager keeps artifact files under workspace on fs.
func NewArtifactManager(store Store, fs afero.Fs, workspace string, sm metrics.StateMetrics) *ArtifactManager {
	if sm == nil {
		sm = metrics.Noop{}
	}
	return &ArtifactManager{store: store, fs: fs, workspace: workspace, ids: newIDSource(), metrics: sm}
}

// NormalizePath returns p as a clean, NFC, slash-separated relative path.
func NormalizePath(p string) (string, error) {
	p = norm.NFC.String(strings.TrimSpace(p))
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return p, nil
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (m *ArtifactManager) filePath(p string) string {
	return path.Join(m.workspace, p)
}

// RegisterArtifact records in. Content equal to the current head returns the
// head unchanged; different content creates the next version. Provided
// content replaces the workspace file only once the registry is saved.
func (m *ArtifactManager) RegisterArtifact(ctx context.Context, in ArtifactInput) (ArtifactMetadata, error) {
	p, err := NormalizePath(in.Path)
	if err != nil {
		return ArtifactMetadata{}, err
	}
	content := in.Content
	provided := content != nil
	if !provided {
		content, err = afero.ReadFile(m.fs, m.filePath(p))
		if err != nil {
			return ArtifactMetadata{}, fmt.Errorf("read artifact %s: %w", p, err)
		}
	}
	hash := hashContent(content)

	m.mu.Lock()
	defer m.mu.Unlock()
	reg, err := m.store.LoadArtifactRegistry(ctx)
	if err != nil {
		return ArtifactMetadata{}, err
	}
	head, hasHead := headOf(reg, p)
	if hasHead && head.Hash == hash {
		if provided {
			if err := writeFileAtomic(m.fs, m.filePath(p), content); err != nil {
				return ArtifactMetadata{}, fmt.Errorf("write artifact %s: %w", p, err)
			}
		}
		m.metrics.IncArtifactRegistered(string(head.Type), "unchanged")
		return head, nil
	}
	var staged string
	if provided {
		if staged, err = stageFile(m.fs, m.filePath(p), content); err != nil {
			return ArtifactMetadata{}, fmt.Errorf("write artifact %s: %w", p, err)
		}
	}
	typ := in.Type
	if typ == "" {
		typ = InferArtifactType(p)
	}
	name := in.Name
	if name == "" {
		name = path.Base(p)
	}
	now := time.Now().UTC()
	meta := ArtifactMetadata{
		ID:        m.ids.next(now),
		Name:      name,
		Type:      typ,
		Path:      p,
		Version:   1,
		Hash:      hash,
		Size:      int64(len(content)),
		Phase:     in.Phase,
		UnitID:    in.UnitID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	outcome := "created"
	if hasHead {
		meta.Version = head.Version + 1
		meta.PreviousVersionID = head.ID
		meta.CreatedAt = head.CreatedAt
		outcome = "versioned"
	} else {
		reg.Counts[typ]++
	}
	reg.Artifacts[meta.ID] = meta
	if err := m.store.SaveArtifactRegistry(ctx, reg); err != nil {
		if staged != "" {
			_ = m.fs.Remove(staged)
		}
		m.metrics.IncPersistenceError("save_artifacts")
		return ArtifactMetadata{}, fmt.Errorf("save artifact registry: %w", err)
	}
	if staged != "" {
		if err := commitFile(m.fs, staged, m.filePath(p)); err != nil {
			return ArtifactMetadata{}, fmt.Errorf("write artifact %s: %w", p, err)
		}
	}
	m.metrics.IncArtifactRegistered(string(typ), outcome)
	return meta, nil
}

// headOf returns the highest version registered at p.
func headOf(reg *ArtifactRegistry, p string) (ArtifactMetadata, bool) {
	var head ArtifactMetadata
	found := false
	for _, a := range reg.Artifacts {
		if a.Path == p && (!found || a.Version > head.Version) {
			head, found = a, true
		}
	}
	return head, found
}

// GetArtifact returns one version by id.
func (m *ArtifactManager) GetArtifact(ctx context.Context, id string) (ArtifactMetadata, error) {
	reg, err := m.store.LoadArtifactRegistry(ctx)
	if err != nil {
		return ArtifactMetadata{}, err
	}
	a, ok := reg.Artifacts[id]
	if !ok {
		return ArtifactMetadata{}, fmt.Errorf("%w: artifact %s", ErrNotFound, id)
	}
	return a, nil
}

// GetByPath returns the current head at p.
func (m *ArtifactManager) GetByPath(ctx context.Context, p string) (ArtifactMetadata, error) {
	np, err := NormalizePath(p)
	if err != nil {
		return ArtifactMetadata{}, err
	}
	reg, err := m.store.LoadArtifactRegistry(ctx)
	if err != nil {
		return ArtifactMetadata{}, err
	}
	head, ok := headOf(reg, np)
	if !ok {
		return ArtifactMetadata{}, fmt.Errorf("%w: artifact at %s", ErrNotFound, np)
	}
	return head, nil
}

// ListArtifacts returns the head of every path, sorted by path. An empty typ
// lists every type.
func (m *ArtifactManager) ListArtifacts(ctx context.Context, typ ArtifactType) ([]ArtifactMetadata, error) {
	reg, err := m.store.LoadArtifactRegistry(ctx)
	if err != nil {
		return nil, err
	}
	heads := make(map[string]ArtifactMetadata)
	for _, a := range reg.Artifacts {
		if h, ok := heads[a.Path]; !ok || a.Version > h.Version {
			heads[a.Path] = a
		}
	}
	out := make([]ArtifactMetadata, 0, len(heads))
	for _, a := range heads {
		if typ == "" || a.Type == typ {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// GetVersionHistory follows previousVersionId from the head at p back to
// version 1. The head comes first.
func (m *ArtifactManager) GetVersionHistory(ctx context.Context, p string) ([]ArtifactMetadata, error) {
	np, err := NormalizePath(p)
	if err != nil {
		return nil, err
	}
	reg, err := m.store.LoadArtifactRegistry(ctx)
	if err != nil {
		return nil, err
	}
	cur, ok := headOf(reg, np)
	if !ok {
		return nil, fmt.Errorf("%w: artifact at %s", ErrNotFound, np)
	}
	history := []ArtifactMetadata{cur}
	for cur.PreviousVersionID != "" && len(history) <= len(reg.Artifacts) {
		prev, ok := reg.Artifacts[cur.PreviousVersionID]
		if !ok {
			break
		}
		history = append(history, prev)
		cur = prev
	}
	return history, nil
}

// VerifyArtifact re-hashes the workspace file behind an artifact version.
func (m *ArtifactManager) VerifyArtifact(ctx context.Context, id string) (VerifyResult, error) {
	a, err := m.GetArtifact(ctx, id)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{ID: a.ID, Path: a.Path, ExpectedHash: a.Hash}
	data, err := afero.ReadFile(m.fs, m.filePath(a.Path))
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read artifact %s: %w", a.Path, err)
	}
	res.Exists = true
	res.ActualHash = hashContent(data)
	res.Valid = res.ActualHash == a.Hash
	return res, nil
}

var (
	infraFiles = map[string]bool{"dockerfile": true, "docker-compose.yml": true, "docker-compose.yaml": true, "makefile": true, "procfile": true}
	infraDirs  = []string{"terraform/", "k8s/", "kubernetes/", "helm/", "deploy/", "infra/", ".github/workflows/"}
	extTypes   = map[string]ArtifactType{
		".tf": ArtifactInfrastructure, ".hcl": ArtifactInfrastructure,
		".md": ArtifactDocumentation, ".rst": ArtifactDocumentation, ".txt": ArtifactDocumentation, ".adoc": ArtifactDocumentation,
		".json": ArtifactConfig, ".yaml": ArtifactConfig, ".yml": ArtifactConfig, ".toml": ArtifactConfig,
		".ini": ArtifactConfig, ".env": ArtifactConfig, ".cfg": ArtifactConfig, ".conf": ArtifactConfig,
		".go": ArtifactSourceCode, ".py": ArtifactSourceCode, ".js": ArtifactSourceCode, ".ts": ArtifactSourceCode,
		".tsx": ArtifactSourceCode, ".jsx": ArtifactSourceCode, ".java": ArtifactSourceCode, ".rs": ArtifactSourceCode,
		".c": ArtifactSourceCode, ".cpp": ArtifactSourceCode, ".h": ArtifactSourceCode, ".rb": ArtifactSourceCode,
		".cs": ArtifactSourceCode, ".kt": ArtifactSourceCode, ".swift": ArtifactSourceCode, ".sh": ArtifactSourceCode,
		".sql": ArtifactSourceCode, ".html": ArtifactSourceCode,
		".png": ArtifactAsset, ".jpg": ArtifactAsset, ".jpeg": ArtifactAsset, ".gif": ArtifactAsset,
		".svg": ArtifactAsset, ".ico": ArtifactAsset, ".css": ArtifactAsset, ".woff": ArtifactAsset,
		".woff2": ArtifactAsset, ".mp4": ArtifactAsset, ".pdf": ArtifactAsset,
	}
)

// InferArtifactType guesses a type from directory and extension conventions.
func InferArtifactType(p string) ArtifactType {
	lower := strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	base := path.Base(lower)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	if strings.HasSuffix(stem, "_test") || strings.HasPrefix(stem, "test_") ||
		strings.HasSuffix(stem, ".test") || strings.HasSuffix(stem, ".spec") ||
		strings.HasPrefix(lower, "tests/") || strings.Contains(lower, "/tests/") {
		return ArtifactTest
	}
	if infraFiles[base] {
		return ArtifactInfrastructure
	}
	for _, dir := range infraDirs {
		if strings.HasPrefix(lower, dir) || strings.Contains(lower, "/"+dir) {
			return ArtifactInfrastructure
		}
	}
	if strings.HasPrefix(lower, "docs/") || strings.Contains(lower, "/docs/") {
		return ArtifactDocumentation
	}
	if t, ok := extTypes[ext]; ok {
		return t
	}
	return ArtifactOther
}
