package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/atmx/frame-engine/internal/model"
)

// Persisted layout.
const (
	keyState      = "state"
	keyQueue      = "queue"
	keySignatures = "signatures"
	keyHistory    = "payout_history"
	keyFailures   = "payout_failures"
)

func frameKey(id int64) string { return "frame/" + strconv.FormatInt(id, 10) }
func userKey(id string) string { return "user/" + id }
func settlementKey(id int64) string {
	return "settlement/" + strconv.FormatInt(id, 10)
}

// SignatureEntry is one line of the processed-signature log.
type SignatureEntry struct {
	Signature string    `json:"signature"`
	FrameID   int64     `json:"frame_id"`
	At        time.Time `json:"at"`
}

// Repository maps domain records onto a Store using versioned envelopes.
// User records are read-modify-written under a lock because both settlement
// and payout confirmation update them.
type Repository struct {
	st Store

	userMu sync.Mutex
}

// NewRepository wraps st.
func NewRepository(st Store) *Repository {
	return &Repository{st: st}
}

// Store returns the underlying store.
func (r *Repository) Store() Store {
	return r.st
}

func (r *Repository) readRecord(ctx context.Context, key, kind string, v any) error {
	blob, err := r.st.ReadSnapshot(ctx, key)
	if err != nil {
		return err
	}
	return model.Decode(kind, blob, v)
}

func (r *Repository) writeRecord(ctx context.Context, key, kind string, v any) error {
	blob, err := model.Encode(kind, v)
	if err != nil {
		return err
	}
	return r.st.WriteSnapshot(ctx, key, blob)
}

func (r *Repository) appendRecord(ctx context.Context, key, kind string, v any) error {
	line, err := model.Encode(kind, v)
	if err != nil {
		return err
	}
	return r.st.AppendLog(ctx, key, line)
}

// --- Engine state ---

// LoadState returns the persisted engine snapshot, or ErrMissing.
func (r *Repository) LoadState(ctx context.Context) (*model.EngineState, error) {
	var s model.EngineState
	if err := r.readRecord(ctx, keyState, model.KindState, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveState persists the engine snapshot.
func (r *Repository) SaveState(ctx context.Context, s *model.EngineState) error {
	return r.writeRecord(ctx, keyState, model.KindState, s)
}

// --- Frame history ---

// SaveFrame archives a closed frame.
func (r *Repository) SaveFrame(ctx context.Context, f *model.Frame) error {
	return r.writeRecord(ctx, frameKey(f.ID), model.KindFrame, f)
}

// LoadFrame returns an archived frame, or ErrMissing.
func (r *Repository) LoadFrame(ctx context.Context, id int64) (*model.Frame, error) {
	var f model.Frame
	if err := r.readRecord(ctx, frameKey(id), model.KindFrame, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// FrameArchived reports whether frame id already has a history record.
func (r *Repository) FrameArchived(ctx context.Context, id int64) (bool, error) {
	_, err := r.st.ReadSnapshot(ctx, frameKey(id))
	if errors.Is(err, ErrMissing) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveSettlement writes the outcome decided for a frame.
func (r *Repository) SaveSettlement(ctx context.Context, m *model.SettlementMarker) error {
	return r.writeRecord(ctx, settlementKey(m.FrameID), model.KindSettlement, m)
}

// LoadSettlement returns the decided outcome of a frame, or nil if none was
// recorded yet.
func (r *Repository) LoadSettlement(ctx context.Context, id int64) (*model.SettlementMarker, error) {
	var m model.SettlementMarker
	err := r.readRecord(ctx, settlementKey(id), model.KindSettlement, &m)
	if errors.Is(err, ErrMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Users ---

// LoadUser returns the user's record, or an empty one if none exists yet.
func (r *Repository) LoadUser(ctx context.Context, userID string) (*model.UserRecord, error) {
	var u model.UserRecord
	err := r.readRecord(ctx, userKey(userID), model.KindUser, &u)
	if errors.Is(err, ErrMissing) {
		return model.NewUserRecord(userID), nil
	}
	if err != nil {
		return nil, err
	}
	if u.FrameLog == nil {
		u.FrameLog = make(map[string]*model.FrameEntry)
	}
	return &u, nil
}

// UpdateUser loads, mutates and saves a user record atomically with respect
// to other UpdateUser calls.
func (r *Repository) UpdateUser(ctx context.Context, userID string, fn func(*model.UserRecord) error) error {
	r.userMu.Lock()
	defer r.userMu.Unlock()

	u, err := r.LoadUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("store: load user %s: %w", userID, err)
	}
	if err := fn(u); err != nil {
		return err
	}
	return r.writeRecord(ctx, userKey(userID), model.KindUser, u)
}

// --- Queue ---

// LoadQueue returns the persisted payout queue. A missing queue is empty.
func (r *Repository) LoadQueue(ctx context.Context) ([]model.QueueBatch, error) {
	var q []model.QueueBatch
	err := r.readRecord(ctx, keyQueue, model.KindQueue, &q)
	if errors.Is(err, ErrMissing) {
		return nil, nil
	}
	return q, err
}

// SaveQueue persists the whole payout queue.
func (r *Repository) SaveQueue(ctx context.Context, q []model.QueueBatch) error {
	if q == nil {
		q = []model.QueueBatch{}
	}
	return r.writeRecord(ctx, keyQueue, model.KindQueue, q)
}

// --- Append-only logs ---

// AppendSignature records a processed bet signature.
func (r *Repository) AppendSignature(ctx context.Context, e SignatureEntry) error {
	return r.appendRecord(ctx, keySignatures, model.KindBetSig, e)
}

// LoadSignatures returns every processed signature.
func (r *Repository) LoadSignatures(ctx context.Context) (map[string]struct{}, error) {
	lines, err := r.st.ReadLog(ctx, keySignatures)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		var e SignatureEntry
		if err := model.Decode(model.KindBetSig, line, &e); err != nil {
			return nil, err
		}
		seen[e.Signature] = struct{}{}
	}
	return seen, nil
}

// AppendHistory appends a delivered-batch audit record.
func (r *Repository) AppendHistory(ctx context.Context, rec model.PayoutHistoryRecord) error {
	return r.appendRecord(ctx, keyHistory, model.KindHistory, rec)
}

// LoadHistory returns the payout audit log.
func (r *Repository) LoadHistory(ctx context.Context) ([]model.PayoutHistoryRecord, error) {
	lines, err := r.st.ReadLog(ctx, keyHistory)
	if err != nil {
		return nil, err
	}
	out := make([]model.PayoutHistoryRecord, 0, len(lines))
	for _, line := range lines {
		var rec model.PayoutHistoryRecord
		if err := model.Decode(model.KindHistory, line, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// AppendFailure appends a permanently failed batch.
func (r *Repository) AppendFailure(ctx context.Context, rec model.FailureRecord) error {
	return r.appendRecord(ctx, keyFailures, model.KindFailure, rec)
}

// LoadFailures returns the permanent-failure log.
func (r *Repository) LoadFailures(ctx context.Context) ([]model.FailureRecord, error) {
	lines, err := r.st.ReadLog(ctx, keyFailures)
	if err != nil {
		return nil, err
	}
	out := make([]model.FailureRecord, 0, len(lines))
	for _, line := range lines {
		var rec model.FailureRecord
		if err := model.Decode(model.KindFailure, line, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
