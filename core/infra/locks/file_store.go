package locks

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

// FileStore keeps each lease as a JSON file under dir. New leases are
// created with O_EXCL. Taking over an expired lease is not atomic across
// processes.
type FileStore struct {
	fs  afero.Fs
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewFileStore returns a store writing lease files under dir.
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir, now: time.Now}
}

func (s *FileStore) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (*Lease, error) {
	if err := checkArgs(resource, owner); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	lease := &Lease{Resource: resource, Owner: owner, ExpiresAt: now.Add(normalizeTTL(ttl))}
	cur, err := s.read(resource)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return lease, s.create(lease)
	case err != nil:
		return nil, err
	case cur.Owner == owner:
		return lease, s.replace(lease)
	case now.Before(cur.ExpiresAt):
		return nil, fmt.Errorf("%w: %s (owner %s until %s)", ErrHeld, resource, cur.Owner, cur.ExpiresAt.Format(time.RFC3339))
	}
	if err := s.fs.Remove(s.path(resource)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove expired lock %s: %w", resource, err)
	}
	return lease, s.create(lease)
}

func (s *FileStore) Renew(_ context.Context, resource, owner string, ttl time.Duration) (*Lease, error) {
	if err := checkArgs(resource, owner); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.held(resource, owner); err != nil {
		return nil, err
	}
	lease := &Lease{Resource: resource, Owner: owner, ExpiresAt: s.now().UTC().Add(normalizeTTL(ttl))}
	return lease, s.replace(lease)
}

func (s *FileStore) Release(_ context.Context, resource, owner string) error {
	if err := checkArgs(resource, owner); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.held(resource, owner); err != nil {
		return err
	}
	return s.fs.Remove(s.path(resource))
}

func (s *FileStore) held(resource, owner string) error {
	cur, err := s.read(resource)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotHeld, resource)
	}
	if err != nil {
		return err
	}
	if cur.Owner != owner || !s.now().Before(cur.ExpiresAt) {
		return fmt.Errorf("%w: %s", ErrNotHeld, resource)
	}
	return nil
}

func (s *FileStore) path(resource string) string {
	return path.Join(s.dir, fileName(resource)+".lock")
}

func (s *FileStore) read(resource string) (*Lease, error) {
	data, err := afero.ReadFile(s.fs, s.path(resource))
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", resource, err)
	}
	return &lease, nil
}

func (s *FileStore) create(lease *Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := s.fs.OpenFile(s.path(lease.Resource), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrHeld, lease.Resource)
	}
	if err != nil {
		return fmt.Errorf("create lock %s: %w", lease.Resource, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write lock %s: %w", lease.Resource, err)
	}
	return f.Close()
}

// replace rewrites a lease the caller already holds.
func (s *FileStore) replace(lease *Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	tmp, err := afero.TempFile(s.fs, s.dir, ".lock-*")
	if err != nil {
		return fmt.Errorf("create temp lock: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = s.fs.Remove(tmpPath) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return s.fs.Rename(tmpPath, s.path(lease.Resource))
}

func checkArgs(resource, owner string) error {
	if strings.TrimSpace(resource) == "" || strings.TrimSpace(owner) == "" {
		return fmt.Errorf("resource and owner required")
	}
	return nil
}

// fileName maps a resource to a safe file name.
func fileName(resource string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, resource)
}
