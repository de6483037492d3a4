package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another holder owns the lease.
var ErrLeaseHeld = errors.New("guard: lease held by another holder")

// Lease is a cross-process mutual exclusion with a TTL. Acquire returns a
// release function that is safe to call more than once.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// unlockLua deletes the key only if it still holds the caller's token, so an
// expired holder never releases a newer holder's lease.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLease implements Lease with SETNX and a compare-and-delete script.
type RedisLease struct {
	rdb      *redis.Client
	prefix   string
	unlockSc *redis.Script
}

// NewRedisLease creates a lease manager on rdb.
func NewRedisLease(rdb *redis.Client) *RedisLease {
	return &RedisLease{
		rdb:      rdb,
		prefix:   "frame-engine:lease:",
		unlockSc: redis.NewScript(unlockLua),
	}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := l.prefix + key

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("guard: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// The caller's context may already be cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}
	return release, nil
}

var _ Lease = (*RedisLease)(nil)
