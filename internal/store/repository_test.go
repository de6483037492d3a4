package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/frame-engine/internal/model"
)

func TestRepository_StateMissingThenSaved(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	_, err := repo.LoadState(ctx)
	require.True(t, errors.Is(err, ErrMissing))

	state := &model.EngineState{
		Phase: model.PhaseOpen,
		Frame: &model.Frame{ID: 1700000000, OpenPrice: decimal.NewFromInt(100)},
		Pool:  model.PoolShares{Up: decimal.NewFromInt(10200), Down: decimal.NewFromInt(10000)},
	}
	require.NoError(t, repo.SaveState(ctx, state))

	got, err := repo.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseOpen, got.Phase)
	assert.Equal(t, int64(1700000000), got.Frame.ID)
	assert.True(t, got.Pool.Up.Equal(decimal.NewFromInt(10200)))
}

func TestRepository_FrameArchived(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	ok, err := repo.FrameArchived(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveFrame(ctx, &model.Frame{ID: 42, Result: model.ResultDown}))
	ok, err = repo.FrameArchived(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	f, err := repo.LoadFrame(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.ResultDown, f.Result)
}

func TestRepository_SettlementMarker(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := NewRepository(st)

			m, err := repo.LoadSettlement(ctx, 42)
			require.NoError(t, err)
			assert.Nil(t, m)

			at := time.Unix(1700000100, 0).UTC()
			require.NoError(t, repo.SaveSettlement(ctx, &model.SettlementMarker{FrameID: 42, Result: model.ResultCancelled, At: at}))
			m, err = repo.LoadSettlement(ctx, 42)
			require.NoError(t, err)
			require.NotNil(t, m)
			assert.True(t, m.Cancelled())
			assert.True(t, m.At.Equal(at))

			archived, err := repo.FrameArchived(ctx, 42)
			require.NoError(t, err)
			assert.False(t, archived, "a decision is not an archive record")
		})
	}
}

func TestRepository_UpdateUserIsSerialized(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.UpdateUser(ctx, "alice", func(u *model.UserRecord) error {
				u.FramesPlayed++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := repo.LoadUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 25, u.FramesPlayed)
}

func TestRepository_LoadUserLazilyCreates(t *testing.T) {
	u, err := NewRepository(NewMemoryStore()).LoadUser(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", u.UserID)
	assert.NotNil(t, u.FrameLog)
}

func TestRepository_QueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	q, err := repo.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)

	batch := model.QueueBatch{
		ID:        "b1",
		Type:      model.BatchPayout,
		FrameID:   7,
		Transfers: []model.Transfer{{Recipient: "alice", Amount: decimal.NewFromInt(9000)}},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, repo.SaveQueue(ctx, []model.QueueBatch{batch}))

	q, err = repo.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "b1", q[0].ID)
	assert.True(t, q[0].Transfers[0].Amount.Equal(decimal.NewFromInt(9000)))
}

func TestRepository_Signatures(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	require.NoError(t, repo.AppendSignature(ctx, SignatureEntry{Signature: "sig-1", FrameID: 1}))
	require.NoError(t, repo.AppendSignature(ctx, SignatureEntry{Signature: "sig-2", FrameID: 1}))

	seen, err := repo.LoadSignatures(ctx)
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	_, ok := seen["sig-2"]
	assert.True(t, ok)
}

func TestRepository_AuditLogs(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	require.NoError(t, repo.AppendHistory(ctx, model.PayoutHistoryRecord{ID: "h1", TxID: "tx1", RecipientCount: 2}))
	require.NoError(t, repo.AppendFailure(ctx, model.FailureRecord{LastError: "boom"}))

	hist, err := repo.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "tx1", hist[0].TxID)

	fails, err := repo.LoadFailures(ctx)
	require.NoError(t, err)
	require.Len(t, fails, 1)
	assert.Equal(t, "boom", fails[0].LastError)
}
