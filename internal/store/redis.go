package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// uncached keys are shared by processes coordinating through a lease and
// are always read from the primary.
var uncached = map[string]bool{
	keyQueue: true,
	keyState: true,
}

// CachedStore wraps a primary Store with a Redis read-through cache for
// snapshots. Writes go to the primary store first and then refresh the
// cache; reads check Redis first then fall back to the primary. Logs and
// the queue and engine state snapshots are not cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string

	// dirty holds keys whose cache entry could be neither refreshed nor
	// dropped after a write. They bypass Redis until a refresh succeeds.
	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  "frame-engine:snapshot:",
		dirty:   make(map[string]struct{}),
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) WriteSnapshot(ctx context.Context, key string, blob []byte) error {
	if err := s.primary.WriteSnapshot(ctx, key, blob); err != nil {
		return err
	}
	if uncached[key] {
		return nil
	}
	if err := s.rdb.Set(ctx, s.cacheKey(key), blob, s.ttl).Err(); err != nil {
		// A stale entry would shadow the write; drop it instead.
		if delErr := s.rdb.Del(ctx, s.cacheKey(key)).Err(); delErr != nil {
			s.setDirty(key, true)
			slog.Warn("store: cache entry may be stale, reading from primary", "key", key, "err", delErr)
		}
		return nil
	}
	s.setDirty(key, false)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ReadSnapshot(ctx context.Context, key string) ([]byte, error) {
	if uncached[key] {
		return s.primary.ReadSnapshot(ctx, key)
	}
	if s.isDirty(key) {
		blob, err := s.primary.ReadSnapshot(ctx, key)
		if err != nil {
			return nil, err
		}
		if s.rdb.Set(ctx, s.cacheKey(key), blob, s.ttl).Err() == nil {
			s.setDirty(key, false)
		}
		return blob, nil
	}

	data, err := s.rdb.Get(ctx, s.cacheKey(key)).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		// Cache unavailable; the primary is authoritative.
		return s.primary.ReadSnapshot(ctx, key)
	}

	// Cache miss: read from primary. SetNX so a concurrent write's fresher
	// entry is never replaced by this read.
	blob, err := s.primary.ReadSnapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	s.rdb.SetNX(ctx, s.cacheKey(key), blob, s.ttl)
	return blob, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) AppendLog(ctx context.Context, key string, line []byte) error {
	return s.primary.AppendLog(ctx, key, line)
}

func (s *CachedStore) ReadLog(ctx context.Context, key string) ([][]byte, error) {
	return s.primary.ReadLog(ctx, key)
}

func (s *CachedStore) cacheKey(key string) string {
	return fmt.Sprintf("%s%s", s.prefix, key)
}

func (s *CachedStore) setDirty(key string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.dirty[key] = struct{}{}
	} else {
		delete(s.dirty, key)
	}
}

func (s *CachedStore) isDirty(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirty[key]
	return ok
}
