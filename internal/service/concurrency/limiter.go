package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/campaign-dispatch/internal/domain"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter caps in-flight webhook dispatches per tenant and channel across
// every process sharing the Redis instance. The TTL frees slots held by a
// process that died mid-dispatch.
type Limiter struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

// NewLimiter constructs a limiter. A non-positive limit admits everything.
func NewLimiter(client *redis.Client, limit int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Limiter{client: client, limit: limit, ttl: ttl}
}

// Acquire reserves a slot. It returns false when the tenant is at its limit.
func (l *Limiter) Acquire(ctx context.Context, tenantID uuid.UUID, channel domain.Channel) (bool, error) {
	if l.limit <= 0 || tenantID == uuid.Nil {
		return true, nil
	}

	res, err := acquireScript.Run(ctx, l.client, []string{Key(tenantID, channel)}, l.limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release(ctx context.Context, tenantID uuid.UUID, channel domain.Channel) error {
	if l.limit <= 0 || tenantID == uuid.Nil {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{Key(tenantID, channel)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

// Key is the Redis counter for a tenant's channel.
func Key(tenantID uuid.UUID, channel domain.Channel) string {
	return fmt.Sprintf("dispatch:tenant:%s:%s:inflight", tenantID.String(), channel)
}
