package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every Store implementation that runs without external
// services.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"sqlite": sq,
	}
}

func TestStore_SnapshotMissing(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.ReadSnapshot(context.Background(), "nope")
			assert.True(t, errors.Is(err, ErrMissing), "got %v", err)
		})
	}
}

func TestStore_SnapshotOverwrite(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.WriteSnapshot(ctx, "frame/1700000000", []byte(`{"a":1}`)))
			require.NoError(t, st.WriteSnapshot(ctx, "frame/1700000000", []byte(`{"a":2}`)))

			got, err := st.ReadSnapshot(ctx, "frame/1700000000")
			require.NoError(t, err)
			assert.Equal(t, `{"a":2}`, string(got))
		})
	}
}

func TestStore_LogAppendOrder(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := st.ReadLog(ctx, "signatures")
			require.NoError(t, err)
			assert.Empty(t, empty)

			for _, l := range []string{"one", "two", "three"} {
				require.NoError(t, st.AppendLog(ctx, "signatures", []byte(l)))
			}
			require.NoError(t, st.AppendLog(ctx, "other", []byte("x")))

			lines, err := st.ReadLog(ctx, "signatures")
			require.NoError(t, err)
			require.Len(t, lines, 3)
			assert.Equal(t, "one", string(lines[0]))
			assert.Equal(t, "three", string(lines[2]))
		})
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, fs.WriteSnapshot(ctx, "queue", []byte(`[]`)))
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue.json", entries[0].Name())
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.WriteSnapshot(ctx, "state", []byte("s1")))
	require.NoError(t, fs.AppendLog(ctx, "payout_history", []byte("h1")))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := reopened.ReadSnapshot(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "s1", string(got))

	lines, err := reopened.ReadLog(ctx, "payout_history")
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestFileStore_TornLogTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.AppendLog(ctx, "signatures", []byte(`{"n":1}`)))
	require.NoError(t, fs.AppendLog(ctx, "signatures", []byte(`{"n":2}`)))

	// An append interrupted mid-write leaves a line without its newline.
	f, err := os.OpenFile(filepath.Join(dir, "logs", "signatures.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"n":3,"sig`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, err := fs.ReadLog(ctx, "signatures")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, `{"n":2}`, string(lines[1]))

	require.NoError(t, fs.AppendLog(ctx, "signatures", []byte(`{"n":4}`)))
	lines, err = fs.ReadLog(ctx, "signatures")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, `{"n":4}`, string(lines[2]), "the torn tail is trimmed before the next append")
}
