package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)

	require.NoError(t, primary.WriteSnapshot(ctx, "user/alice", []byte("v1")))
	got, err := cs.ReadSnapshot(ctx, "user/alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	assert.True(t, mr.Exists("frame-engine:snapshot:user/alice"), "miss populates the cache")

	// Served from Redis, not the primary.
	require.NoError(t, primary.WriteSnapshot(ctx, "user/alice", []byte("v2")))
	got, err = cs.ReadSnapshot(ctx, "user/alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, cs.WriteSnapshot(ctx, "user/alice", []byte("v3")))
	got, err = cs.ReadSnapshot(ctx, "user/alice")
	require.NoError(t, err)
	assert.Equal(t, "v3", string(got))

	_, err = cs.ReadSnapshot(ctx, "user/nobody")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestCachedStore_QueueAndStateBypassCache(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)

	for _, key := range []string{"queue", "state"} {
		require.NoError(t, cs.WriteSnapshot(ctx, key, []byte("mine")))
		assert.False(t, mr.Exists("frame-engine:snapshot:"+key))

		// Another process rewrites the key through its own store.
		require.NoError(t, primary.WriteSnapshot(ctx, key, []byte("theirs")))
		got, err := cs.ReadSnapshot(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "theirs", string(got), key)
	}
}

func TestCachedStore_FailedInvalidationFallsBackToPrimary(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newCachedStore(t)
	cacheKey := "frame-engine:snapshot:user/alice"

	require.NoError(t, cs.WriteSnapshot(ctx, "user/alice", []byte("v1")))

	mr.SetError("ERR cache down")
	require.NoError(t, cs.WriteSnapshot(ctx, "user/alice", []byte("v2")), "primary write still succeeds")
	mr.SetError("")

	stale, err := mr.Get(cacheKey)
	require.NoError(t, err)
	require.Equal(t, "v1", stale)

	got, err := cs.ReadSnapshot(ctx, "user/alice")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	repaired, err := mr.Get(cacheKey)
	require.NoError(t, err)
	assert.Equal(t, "v2", repaired, "the read refreshes the stale entry")
}

func TestCachedStore_CacheOutageReadsPrimary(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)
	require.NoError(t, primary.WriteSnapshot(ctx, "frame/60", []byte("archived")))

	mr.SetError("ERR cache down")
	got, err := cs.ReadSnapshot(ctx, "frame/60")
	require.NoError(t, err)
	assert.Equal(t, "archived", string(got))
}

func TestCachedStore_LogsPassThrough(t *testing.T) {
	ctx := context.Background()
	cs, primary, _ := newCachedStore(t)

	require.NoError(t, cs.AppendLog(ctx, "signatures", []byte("a")))
	lines, err := primary.ReadLog(ctx, "signatures")
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}
