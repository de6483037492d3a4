package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLease(t *testing.T) (*RedisLease, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLease(rdb), mr
}

func TestRedisLease_Exclusive(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLease(t)

	release, err := l.Acquire(ctx, "drain", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("frame-engine:lease:drain") {
		t.Fatal("lease key not written")
	}

	if _, err := l.Acquire(ctx, "drain", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("second acquire: got %v, want ErrLeaseHeld", err)
	}

	release()
	release()
	if mr.Exists("frame-engine:lease:drain") {
		t.Fatal("lease key survived release")
	}

	again, err := l.Acquire(ctx, "drain", time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

func TestRedisLease_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLease(t)

	stale, err := l.Acquire(ctx, "drain", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	current, err := l.Acquire(ctx, "drain", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	defer current()

	stale()
	if !mr.Exists("frame-engine:lease:drain") {
		t.Fatal("expired holder released the successor's lease")
	}
	if _, err := l.Acquire(ctx, "drain", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("got %v, want ErrLeaseHeld", err)
	}
}

func TestRedisLease_RedisError(t *testing.T) {
	l, mr := newRedisLease(t)
	mr.SetError("ERR redis down")

	if _, err := l.Acquire(context.Background(), "drain", time.Minute); err == nil || errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("got %v, want the redis error", err)
	}
}
