package locks

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFileStore(t *testing.T) (*FileStore, *clock, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	c := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := NewFileStore(fs, "/state/locks")
	s.now = c.now
	return s, c, fs
}

func TestFileStoreExclusive(t *testing.T) {
	s, _, fs := newFileStore(t)
	ctx := context.Background()

	lease, err := s.Acquire(ctx, "execution:abc", "worker-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "worker-a", lease.Owner)
	ok, err := afero.Exists(fs, "/state/locks/execution_abc.lock")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Acquire(ctx, "execution:abc", "worker-b", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	_, err = s.Acquire(ctx, "execution:abc", "worker-a", time.Minute)
	require.NoError(t, err, "owner may re-acquire")

	require.ErrorIs(t, s.Release(ctx, "execution:abc", "worker-b"), ErrNotHeld)
	require.NoError(t, s.Release(ctx, "execution:abc", "worker-a"))

	_, err = s.Acquire(ctx, "execution:abc", "worker-b", time.Minute)
	require.NoError(t, err)
}

func TestFileStoreExpiry(t *testing.T) {
	s, c, _ := newFileStore(t)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "execution:abc", "worker-a", time.Minute)
	require.NoError(t, err)

	c.advance(30 * time.Second)
	renewed, err := s.Renew(ctx, "execution:abc", "worker-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, c.t.Add(time.Minute), renewed.ExpiresAt)

	c.advance(45 * time.Second)
	_, err = s.Acquire(ctx, "execution:abc", "worker-b", time.Minute)
	require.ErrorIs(t, err, ErrHeld, "renewal pushed expiry out")

	c.advance(time.Minute)
	_, err = s.Renew(ctx, "execution:abc", "worker-a", time.Minute)
	require.ErrorIs(t, err, ErrNotHeld)
	_, err = s.Acquire(ctx, "execution:abc", "worker-b", time.Minute)
	require.NoError(t, err, "expired lease is taken over")
	require.ErrorIs(t, s.Release(ctx, "execution:abc", "worker-a"), ErrNotHeld)
}

func TestFileStoreRejectsEmptyArgs(t *testing.T) {
	s, _, _ := newFileStore(t)
	_, err := s.Acquire(context.Background(), " ", "worker-a", time.Minute)
	require.Error(t, err)
	_, err = s.Acquire(context.Background(), "execution:abc", "", time.Minute)
	require.Error(t, err)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreExclusive(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "execution:abc", "worker-a", 2*time.Second)
	if skipEval(err) {
		t.Skip("miniredis does not support EVAL")
	}
	require.NoError(t, err)
	owner, err := mr.Get("sf:lock:execution:abc")
	require.NoError(t, err)
	require.Equal(t, "worker-a", owner)

	_, err = s.Acquire(ctx, "execution:abc", "worker-b", 2*time.Second)
	require.ErrorIs(t, err, ErrHeld)

	_, err = s.Renew(ctx, "execution:abc", "worker-b", 2*time.Second)
	require.ErrorIs(t, err, ErrNotHeld)
	_, err = s.Renew(ctx, "execution:abc", "worker-a", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, mr.TTL("sf:lock:execution:abc"))

	require.ErrorIs(t, s.Release(ctx, "execution:abc", "worker-b"), ErrNotHeld)
	require.NoError(t, s.Release(ctx, "execution:abc", "worker-a"))
	require.False(t, mr.Exists("sf:lock:execution:abc"))
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "execution:abc", "worker-a", time.Second)
	if skipEval(err) {
		t.Skip("miniredis does not support EVAL")
	}
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = s.Acquire(ctx, "execution:abc", "worker-b", time.Second)
	require.NoError(t, err)
}

func TestHoldReleases(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, _, _ := newFileStore(t)
	ctx := context.Background()

	release, err := Hold(ctx, s, "execution:abc", "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = Hold(ctx, s, "execution:abc", "worker-b", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	release()
	release()

	_, err = s.Acquire(ctx, "execution:abc", "worker-b", time.Minute)
	require.NoError(t, err)
}

func skipEval(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "eval") && strings.Contains(msg, "unknown")
}
