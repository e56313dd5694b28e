package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each lease as a string key holding the owner, expiring
// through PX.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore wraps client. The client stays owned by the caller.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, error) {
	return s.run(ctx, acquireScript, resource, owner, ttl, ErrHeld)
}

func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, error) {
	return s.run(ctx, renewScript, resource, owner, ttl, ErrNotHeld)
}

func (s *RedisStore) Release(ctx context.Context, resource, owner string) error {
	_, err := s.run(ctx, releaseScript, resource, owner, 0, ErrNotHeld)
	return err
}

func (s *RedisStore) run(ctx context.Context, script, resource, owner string, ttl time.Duration, miss error) (*Lease, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, fmt.Errorf("resource and owner required")
	}
	ttl = normalizeTTL(ttl)
	ok, err := s.client.Eval(ctx, script, []string{lockKey(resource)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", resource, err)
	}
	if ok == 0 {
		return nil, fmt.Errorf("%w: %s", miss, resource)
	}
	return &Lease{Resource: resource, Owner: owner, ExpiresAt: s.now().Add(ttl).UTC()}, nil
}

func lockKey(resource string) string {
	return "sf:lock:" + resource
}

const acquireScript = `
local cur = redis.call("GET", KEYS[1])
if cur and cur ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`

const renewScript = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`

const releaseScript = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`
