// Package frame runs the frame lifecycle: it opens a betting window on each
// price-window boundary, accepts bets priced by the bonding curve, and on
// close hands the frame to settlement and the payout queue.
//
// Phases:
//
//	OPEN -> CLOSING -> OPEN(next)      normal close with bets
//	OPEN -> OPEN(next)                 boundary with zero bets
//	OPEN -> PAUSED -> OPEN             admin pause and resume
//	PAUSED -> CANCELLED -> OPEN(next)  auto-cancel near the end, or admin cancel
//	CLOSING -> OPEN(current window)    failsafe after the grace period
//
// All state lives in one EngineState mutated under a single guard. Transfer
// submission never happens here; closing only enqueues work.
package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/curve"
	"github.com/atmx/frame-engine/internal/guard"
	"github.com/atmx/frame-engine/internal/limits"
	"github.com/atmx/frame-engine/internal/model"
	"github.com/atmx/frame-engine/internal/settlement"
	"github.com/atmx/frame-engine/internal/store"
)

var (
	// ErrInvalidBet is returned for malformed bet requests.
	ErrInvalidBet = errors.New("frame: invalid bet")

	// ErrDuplicateSignature is returned when a funding signature was already applied.
	ErrDuplicateSignature = errors.New("frame: duplicate signature")

	// ErrFramePaused is returned while an admin pause is in effect.
	ErrFramePaused = errors.New("frame: frame paused")

	// ErrNoOpenFrame is returned before the first oracle sample.
	ErrNoOpenFrame = errors.New("frame: no open frame")

	// ErrBettingClosed is returned outside the betting window of the live frame.
	ErrBettingClosed = errors.New("frame: betting closed")

	// ErrNotPaused is returned by Resume when the frame is not paused.
	ErrNotPaused = errors.New("frame: frame not paused")

	// ErrOutcomeDecided is returned when a frame already carries the opposite
	// settlement decision, such as cancelling a frame whose payouts are queued.
	ErrOutcomeDecided = errors.New("frame: outcome already decided")

	// ErrStuckClosing is logged when the failsafe force-resolves a frame.
	ErrStuckClosing = errors.New("frame: stuck in closing")
)

// Enqueuer accepts settlement output. payout.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, batches ...model.QueueBatch) error
}

// Config holds the frame timing and pricing parameters.
type Config struct {
	// Duration is the window length. Must be a whole number of seconds.
	Duration time.Duration

	// LockOut closes betting this long before the frame ends.
	LockOut time.Duration

	// CancelLead is how long before the end a paused frame with bets is
	// cancelled and refunded.
	CancelLead time.Duration

	// ClosingGrace bounds how long a frame may sit in CLOSING before the
	// failsafe refunds it.
	ClosingGrace time.Duration

	PriceScale decimal.Decimal
	MinPrice   decimal.Decimal
	Baseline   decimal.Decimal

	Policy settlement.Policy

	// Limits is optional.
	Limits *limits.Limiter
}

func (c Config) validate() error {
	if c.Duration < time.Second || c.Duration%time.Second != 0 {
		return fmt.Errorf("frame: duration %s must be whole seconds", c.Duration)
	}
	if c.LockOut < 0 || c.LockOut >= c.Duration {
		return fmt.Errorf("frame: lock-out %s must be within the frame", c.LockOut)
	}
	if c.CancelLead < 0 || c.CancelLead >= c.Duration {
		return fmt.Errorf("frame: cancel lead %s must be within the frame", c.CancelLead)
	}
	if c.ClosingGrace <= 0 {
		return errors.New("frame: closing grace must be positive")
	}
	return c.Policy.Validate()
}

// Snapshot is a consistent read-only view of the engine.
type Snapshot struct {
	Phase        model.Phase       `json:"phase"`
	Frame        *model.Frame      `json:"frame,omitempty"`
	Pool         model.PoolShares  `json:"pool"`
	PriceUp      decimal.Decimal   `json:"price_up"`
	PriceDown    decimal.Decimal   `json:"price_down"`
	LastSample   model.PriceSample `json:"last_sample"`
	ClosingSince *time.Time        `json:"closing_since,omitempty"`
}

// Quote returns the side's price as of the snapshot.
func (s Snapshot) Quote(d model.Direction) (decimal.Decimal, error) {
	switch d {
	case model.Up:
		return s.PriceUp, nil
	case model.Down:
		return s.PriceDown, nil
	}
	return decimal.Zero, fmt.Errorf("%w: direction %q", ErrInvalidBet, d)
}

// Engine is the frame state machine.
type Engine struct {
	cfg     Config
	repo    *store.Repository
	queue   Enqueuer
	ledger  *curve.Ledger
	limiter *limits.Limiter
	now     func() time.Time

	guard guard.Guard

	// Guarded by guard.
	phase        model.Phase
	frame        *model.Frame
	closingSince *time.Time
	last         model.PriceSample
	signatures   map[string]struct{}

	closed chan model.Frame
}

// Option customises the engine.
type Option func(*Engine)

// WithClock sets the function used for bet timestamps and CLOSING age.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// New creates an engine in the IDLE phase. Call Recover before use.
func New(cfg Config, repo *store.Repository, queue Enqueuer, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c, err := curve.New(cfg.PriceScale, cfg.MinPrice)
	if err != nil {
		return nil, err
	}
	ledger, err := curve.NewLedger(c, cfg.Baseline)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		repo:       repo,
		queue:      queue,
		ledger:     ledger,
		limiter:    cfg.Limits,
		now:        time.Now,
		phase:      model.PhaseIdle,
		signatures: make(map[string]struct{}),
		closed:     make(chan model.Frame, 64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Recover restores the persisted state and processed signatures. A frame
// left in CLOSING is settled again, or refunded if it is past the grace
// period.
func (e *Engine) Recover(ctx context.Context, now time.Time) error {
	sigs, err := e.repo.LoadSignatures(ctx)
	if err != nil {
		return fmt.Errorf("frame: load signatures: %w", err)
	}

	state, err := e.repo.LoadState(ctx)
	if err != nil && !errors.Is(err, store.ErrMissing) {
		return fmt.Errorf("frame: load state: %w", err)
	}

	var marker *model.SettlementMarker
	if state != nil && state.Frame != nil && (state.Phase == model.PhaseOpen || state.Phase == model.PhasePaused) {
		marker, err = e.repo.LoadSettlement(ctx, state.Frame.ID)
		if err != nil {
			return fmt.Errorf("frame: load settlement: %w", err)
		}
	}

	var recErr error
	e.guard.Do(func() {
		e.signatures = sigs
		if state == nil {
			slog.Info("no persisted frame state, waiting for first price")
			return
		}

		e.phase = state.Phase
		e.frame = state.Frame
		e.closingSince = state.ClosingSince
		e.last = state.LastSample
		e.ledger.Restore(state.Pool)
		if e.frame == nil {
			e.phase = model.PhaseIdle
		} else {
			for _, b := range e.frame.Bets {
				e.signatures[b.Signature] = struct{}{}
			}
		}
		if marker.Cancelled() {
			// The cancellation was decided but the phase change never landed.
			recErr = e.cancelLocked(ctx, "recovered cancellation")
		}

		slog.Info("frame state restored",
			"phase", e.phase,
			"frame", e.frameID(),
			"bets", e.betCount(),
			"signatures", len(e.signatures),
		)

		if e.phase == model.PhaseClosing {
			recErr = e.resolveClosingLocked(ctx, now)
		}
	})
	return recErr
}

// Quote returns the current price of a side.
func (e *Engine) Quote(d model.Direction) (decimal.Decimal, error) {
	if !d.Valid() {
		return decimal.Zero, fmt.Errorf("%w: direction %q", ErrInvalidBet, d)
	}
	var p decimal.Decimal
	e.guard.Read(func() { p = e.ledger.Quote(d) })
	return p, nil
}

// Snapshot returns a consistent copy of the engine state.
func (e *Engine) Snapshot() Snapshot {
	var s Snapshot
	e.guard.Read(func() {
		s = Snapshot{
			Phase:      e.phase,
			Frame:      e.frame.Clone(),
			Pool:       e.ledger.Pool(),
			PriceUp:    e.ledger.Quote(model.Up),
			PriceDown:  e.ledger.Quote(model.Down),
			LastSample: e.last,
		}
		if e.closingSince != nil {
			ts := *e.closingSince
			s.ClosingSince = &ts
		}
	})
	return s
}

// Closed delivers archived frames. Frames are dropped if nobody reads.
func (e *Engine) Closed() <-chan model.Frame {
	return e.closed
}

func (e *Engine) publish(f *model.Frame) {
	select {
	case e.closed <- *f.Clone():
	default:
		slog.Warn("closed-frame channel full, dropping notification", "frame", f.ID)
	}
}

func (e *Engine) windowStart(ts time.Time) time.Time {
	secs := int64(e.cfg.Duration / time.Second)
	return time.Unix(ts.Unix()/secs*secs, 0).UTC()
}

func (e *Engine) frameID() int64 {
	if e.frame == nil {
		return 0
	}
	return e.frame.ID
}

func (e *Engine) betCount() int {
	if e.frame == nil {
		return 0
	}
	return len(e.frame.Bets)
}

func (e *Engine) stateLocked() *model.EngineState {
	return &model.EngineState{
		Phase:        e.phase,
		Frame:        e.frame,
		Pool:         e.ledger.Pool(),
		ClosingSince: e.closingSince,
		LastSample:   e.last,
	}
}

func (e *Engine) saveStateLocked(ctx context.Context) error {
	return e.writeStateLocked(ctx, e.stateLocked())
}

func (e *Engine) writeStateLocked(ctx context.Context, state *model.EngineState) error {
	if err := e.repo.SaveState(ctx, state); err != nil {
		slog.Error("persist frame state failed", "phase", state.Phase, "frame", e.frameID(), "err", err)
		return fmt.Errorf("frame: persist state: %w", err)
	}
	return nil
}
