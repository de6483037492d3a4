// Package payout implements the durable transfer queue that is the only path
// from settlement to the transfer submitter.
//
// Every batch ends in exactly one of three places: delivered (audit record
// written), decomposed into single-recipient batches that re-enter the
// queue, or appended to the permanent-failure log. The queue snapshot is
// persisted after every mutation so a restart resumes where it stopped.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/guard"
	"github.com/atmx/frame-engine/internal/metrics"
	"github.com/atmx/frame-engine/internal/model"
	"github.com/atmx/frame-engine/internal/store"
	"github.com/atmx/frame-engine/internal/transfer"
)

// ErrDrainInFlight is returned when a drain cycle is already running.
var ErrDrainInFlight = errors.New("payout: drain already in flight")

const leaseKey = "payout-drain"

// RetryPolicy governs one batch type.
type RetryPolicy struct {
	// MaxAttempts is the failure count at which a batch is decomposed or
	// moved to the failure log.
	MaxAttempts int

	// Decompose splits exhausted multi-recipient batches into
	// single-recipient batches instead of failing them outright.
	Decompose bool
}

// DefaultRetryPolicy is applied to every batch type unless overridden.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Decompose: true}

// DrainReport summarises one drain cycle.
type DrainReport struct {
	Delivered        int
	Skipped          int // every recipient already paid
	Retried          int
	Decomposed       int
	Failed           int
	ReserveExhausted bool
}

// Queue is the durable payout/refund/fee queue.
type Queue struct {
	repo          *store.Repository
	submitter     transfer.Submitter
	policies      map[model.BatchType]RetryPolicy
	priorityFee   decimal.Decimal
	submitTimeout time.Duration
	lease         guard.Lease
	leaseTTL      time.Duration
	now           func() time.Time

	inFlight guard.InFlight

	mu      sync.Mutex
	batches []model.QueueBatch
}

// Option customises the queue.
type Option func(*Queue)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.now = clock }
}

// WithRetryPolicy overrides the policy for one batch type.
func WithRetryPolicy(t model.BatchType, p RetryPolicy) Option {
	return func(q *Queue) { q.policies[t] = p }
}

// WithPriorityFee sets the fee attached to every submission.
func WithPriorityFee(fee decimal.Decimal) Option {
	return func(q *Queue) { q.priorityFee = fee }
}

// WithSubmitTimeout bounds each submission. A timeout counts as a failure.
func WithSubmitTimeout(d time.Duration) Option {
	return func(q *Queue) { q.submitTimeout = d }
}

// WithLease makes each drain cycle hold a cross-process lease.
func WithLease(l guard.Lease, ttl time.Duration) Option {
	return func(q *Queue) {
		q.lease = l
		q.leaseTTL = ttl
	}
}

// New creates an empty queue. Call Load to restore persisted batches.
func New(repo *store.Repository, sub transfer.Submitter, opts ...Option) *Queue {
	q := &Queue{
		repo:      repo,
		submitter: sub,
		policies: map[model.BatchType]RetryPolicy{
			model.BatchPayout: DefaultRetryPolicy,
			model.BatchRefund: DefaultRetryPolicy,
			model.BatchFee:    DefaultRetryPolicy,
		},
		submitTimeout: 30 * time.Second,
		leaseTTL:      2 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load replaces the in-memory queue with the persisted snapshot.
func (q *Queue) Load(ctx context.Context) error {
	if err := q.reload(ctx); err != nil {
		return err
	}
	slog.Info("payout queue restored", "batches", q.Pending())
	return nil
}

func (q *Queue) reload(ctx context.Context) error {
	batches, err := q.repo.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("payout: load queue: %w", err)
	}
	q.mu.Lock()
	q.batches = batches
	metrics.QueueDepth.Set(float64(len(q.batches)))
	q.mu.Unlock()
	return nil
}

// Enqueue appends batches and persists the queue before returning.
// Zero-amount transfers are dropped and empty batches are ignored. A batch
// whose ID is already queued, directly or as decomposed singles, is skipped,
// so callers that retry with stable IDs never queue the same work twice.
func (q *Queue) Enqueue(ctx context.Context, batches ...model.QueueBatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := len(q.batches)
	for _, b := range batches {
		b.Transfers = nonZero(b.Transfers)
		if len(b.Transfers) == 0 {
			continue
		}
		if b.ID == "" {
			b.ID = uuid.New().String()
		} else if q.queuedLocked(b.ID) {
			slog.Info("batch already queued, skipping", "batch", b.ID, "type", b.Type, "frame", b.FrameID)
			continue
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = q.now().UTC()
		}
		q.batches = append(q.batches, b)
		slog.Info("batch enqueued",
			"batch", b.ID,
			"type", b.Type,
			"frame", b.FrameID,
			"recipients", len(b.Transfers),
			"total", b.Total().String(),
		)
	}
	if len(q.batches) == prev {
		return nil
	}
	if err := q.persistLocked(ctx); err != nil {
		q.batches = q.batches[:prev]
		metrics.QueueDepth.Set(float64(prev))
		return err
	}
	return nil
}

func (q *Queue) queuedLocked(id string) bool {
	for _, b := range q.batches {
		if b.ID == id || strings.HasPrefix(b.ID, id+"/") {
			return true
		}
	}
	return false
}

// Pending returns the number of queued batches.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// Snapshot returns a copy of the queued batches in order.
func (q *Queue) Snapshot() []model.QueueBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.QueueBatch, len(q.batches))
	for i, b := range q.batches {
		out[i] = cloneBatch(b)
	}
	return out
}

// Run drains the queue every interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := q.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInFlight) {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("payout drain failed", "err", err)
		}
	}
}

// Drain runs one cycle: batches are processed from the head until the queue
// is empty, a batch fails below its retry ceiling, or the reserve is
// exhausted. Only one cycle runs at a time.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	var rep DrainReport

	if !q.inFlight.TryAcquire() {
		return rep, ErrDrainInFlight
	}
	defer q.inFlight.Release()

	if q.lease != nil {
		release, err := q.lease.Acquire(ctx, leaseKey, q.leaseTTL)
		if errors.Is(err, guard.ErrLeaseHeld) {
			slog.Debug("payout drain skipped, lease held elsewhere")
			return rep, nil
		}
		if err != nil {
			return rep, err
		}
		defer release()
		// Another holder may have drained since our last look.
		if err := q.reload(ctx); err != nil {
			return rep, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		head, ok := q.head()
		if !ok {
			return rep, nil
		}

		unpaid, err := q.unpaid(ctx, head)
		if err != nil {
			return rep, err
		}
		if len(unpaid) == 0 {
			slog.Info("batch already delivered, dropping", "batch", head.ID, "type", head.Type, "frame", head.FrameID)
			if err := q.remove(ctx, head.ID); err != nil {
				return rep, err
			}
			rep.Skipped++
			continue
		}
		head.Transfers = unpaid

		txID, err := q.submit(ctx, head)
		switch {
		case err == nil:
			if err := q.confirm(ctx, head, txID); err != nil {
				return rep, err
			}
			rep.Delivered++

		case errors.Is(err, transfer.ErrReserveExhausted):
			metrics.Submissions.WithLabelValues(string(head.Type), "reserve_exhausted").Inc()
			slog.Error("payout reserve exhausted, halting cycle",
				"batch", head.ID,
				"total", head.Total().String(),
				"err", err,
			)
			rep.ReserveExhausted = true
			return rep, nil

		default:
			metrics.Submissions.WithLabelValues(string(head.Type), "failed").Inc()
			stop, err := q.fail(ctx, head, err, &rep)
			if err != nil {
				return rep, err
			}
			if stop {
				return rep, nil
			}
		}
	}
}

func (q *Queue) submit(ctx context.Context, b model.QueueBatch) (string, error) {
	start := time.Now()
	subCtx, cancel := context.WithTimeout(ctx, q.submitTimeout)
	defer cancel()

	txID, err := q.submitter.Submit(subCtx, b.Transfers, q.priorityFee)
	metrics.SubmitLatency.WithLabelValues(string(b.Type)).Observe(time.Since(start).Seconds())
	return txID, err
}

// confirm records delivery. Recipient markers are written before the batch
// leaves the queue, so a crash in between is caught by the unpaid filter on
// the next cycle.
func (q *Queue) confirm(ctx context.Context, b model.QueueBatch, txID string) error {
	metrics.Submissions.WithLabelValues(string(b.Type), "delivered").Inc()

	frameKey := strconv.FormatInt(b.FrameID, 10)
	for _, t := range b.Transfers {
		err := q.repo.UpdateUser(ctx, t.Recipient, func(u *model.UserRecord) error {
			e := u.Entry(frameKey)
			switch b.Type {
			case model.BatchPayout:
				e.PayoutTx = txID
				e.PayoutAmount = t.Amount
				u.TotalPaid = u.TotalPaid.Add(t.Amount)
			case model.BatchRefund:
				e.RefundTx = txID
				e.RefundAmount = t.Amount
				e.Outcome = model.OutcomeRefunded
			case model.BatchFee:
				e.FeeTx = txID
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("payout: mark %s paid: %w", t.Recipient, err)
		}
	}

	rec := model.PayoutHistoryRecord{
		ID:             uuid.New().String(),
		Timestamp:      q.now().UTC(),
		FrameID:        b.FrameID,
		Type:           b.Type,
		TxID:           txID,
		RecipientCount: len(b.Transfers),
		TotalAmount:    b.Total(),
	}
	if err := q.repo.AppendHistory(ctx, rec); err != nil {
		return fmt.Errorf("payout: append history: %w", err)
	}

	slog.Info("batch delivered",
		"batch", b.ID,
		"type", b.Type,
		"frame", b.FrameID,
		"tx", txID,
		"recipients", len(b.Transfers),
		"total", rec.TotalAmount.String(),
	)
	return q.remove(ctx, b.ID)
}

// fail applies the retry policy. It reports whether the cycle should stop.
func (q *Queue) fail(ctx context.Context, b model.QueueBatch, cause error, rep *DrainReport) (bool, error) {
	b.RetryCount++
	pol := q.policy(b.Type)

	if b.RetryCount < pol.MaxAttempts {
		slog.Warn("batch submission failed, will retry",
			"batch", b.ID,
			"type", b.Type,
			"attempt", b.RetryCount,
			"max", pol.MaxAttempts,
			"err", cause,
		)
		rep.Retried++
		return true, q.replace(ctx, b)
	}

	if len(b.Transfers) > 1 && pol.Decompose {
		singles := make([]model.QueueBatch, 0, len(b.Transfers))
		for i, t := range b.Transfers {
			singles = append(singles, model.QueueBatch{
				ID:        b.ID + "/" + strconv.Itoa(i),
				Type:      b.Type,
				FrameID:   b.FrameID,
				Transfers: []model.Transfer{t},
				CreatedAt: q.now().UTC(),
			})
		}
		slog.Warn("batch exhausted retries, decomposing",
			"batch", b.ID,
			"type", b.Type,
			"recipients", len(b.Transfers),
			"err", cause,
		)
		rep.Decomposed++
		return false, q.decompose(ctx, b.ID, singles)
	}

	fr := model.FailureRecord{
		Timestamp: q.now().UTC(),
		Batch:     b,
		LastError: cause.Error(),
	}
	if err := q.repo.AppendFailure(ctx, fr); err != nil {
		return true, fmt.Errorf("payout: append failure: %w", err)
	}
	slog.Error("batch permanently failed",
		"batch", b.ID,
		"type", b.Type,
		"frame", b.FrameID,
		"total", b.Total().String(),
		"err", cause,
	)
	rep.Failed++
	return false, q.remove(ctx, b.ID)
}

func (q *Queue) policy(t model.BatchType) RetryPolicy {
	if p, ok := q.policies[t]; ok && p.MaxAttempts > 0 {
		return p
	}
	return DefaultRetryPolicy
}

// unpaid filters out recipients whose user record already carries a
// delivery marker for this frame and batch type.
func (q *Queue) unpaid(ctx context.Context, b model.QueueBatch) ([]model.Transfer, error) {
	frameKey := strconv.FormatInt(b.FrameID, 10)
	out := make([]model.Transfer, 0, len(b.Transfers))
	for _, t := range b.Transfers {
		u, err := q.repo.LoadUser(ctx, t.Recipient)
		if err != nil {
			return nil, fmt.Errorf("payout: load user %s: %w", t.Recipient, err)
		}
		if e, ok := u.FrameLog[frameKey]; ok && paid(e, b.Type) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func paid(e *model.FrameEntry, t model.BatchType) bool {
	switch t {
	case model.BatchPayout:
		return e.PayoutTx != ""
	case model.BatchRefund:
		return e.RefundTx != ""
	case model.BatchFee:
		return e.FeeTx != ""
	}
	return false
}

func (q *Queue) head() (model.QueueBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.batches) == 0 {
		return model.QueueBatch{}, false
	}
	return cloneBatch(q.batches[0]), true
}

func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, b := range q.batches {
		if b.ID == id {
			q.batches = append(q.batches[:i:i], q.batches[i+1:]...)
			break
		}
	}
	return q.persistLocked(ctx)
}

func (q *Queue) replace(ctx context.Context, nb model.QueueBatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, b := range q.batches {
		if b.ID == nb.ID {
			q.batches[i] = nb
			break
		}
	}
	return q.persistLocked(ctx)
}

func (q *Queue) decompose(ctx context.Context, id string, singles []model.QueueBatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, b := range q.batches {
		if b.ID == id {
			q.batches = append(q.batches[:i:i], q.batches[i+1:]...)
			break
		}
	}
	q.batches = append(q.batches, singles...)
	return q.persistLocked(ctx)
}

func (q *Queue) persistLocked(ctx context.Context) error {
	metrics.QueueDepth.Set(float64(len(q.batches)))
	if err := q.repo.SaveQueue(ctx, q.batches); err != nil {
		return fmt.Errorf("payout: persist queue: %w", err)
	}
	return nil
}

func cloneBatch(b model.QueueBatch) model.QueueBatch {
	b.Transfers = append([]model.Transfer(nil), b.Transfers...)
	return b
}

func nonZero(ts []model.Transfer) []model.Transfer {
	out := make([]model.Transfer, 0, len(ts))
	for _, t := range ts {
		if t.Amount.IsPositive() && t.Recipient != "" {
			out = append(out, t)
		}
	}
	return out
}
