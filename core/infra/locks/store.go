// Package locks provides exclusive, expiring leases so that only one process
// drives a given execution at a time.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cordum/stepflow/core/infra/logging"
)

// DefaultTTL is used when a caller passes a non-positive ttl.
const DefaultTTL = 30 * time.Second

var (
	// ErrHeld is returned by Acquire while another owner holds the lease.
	ErrHeld = errors.New("lock held by another owner")
	// ErrNotHeld is returned by Renew and Release when owner does not hold
	// the lease, including after it expired.
	ErrNotHeld = errors.New("lock not held")
)

// Lease describes a held lock.
type Lease struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store manages exclusive leases. Acquiring a lease the owner already holds
// extends it.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, resource, owner string) error
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// Hold acquires resource and keeps renewing it at a third of ttl until the
// returned func is called. The func releases the lease and is safe to call
// more than once.
func Hold(ctx context.Context, s Store, resource, owner string, ttl time.Duration) (func(), error) {
	ttl = normalizeTTL(ttl)
	if _, err := s.Acquire(ctx, resource, owner, ttl); err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.Renew(context.Background(), resource, owner, ttl); err != nil {
					logging.Warn("locks", "lease renewal failed", "resource", resource, "owner", owner, "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Release(releaseCtx, resource, owner); err != nil && !errors.Is(err, ErrNotHeld) {
				logging.Warn("locks", "lease release failed", "resource", resource, "owner", owner, "error", err)
			}
		})
	}, nil
}
