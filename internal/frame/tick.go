package frame

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/metrics"
	"github.com/atmx/frame-engine/internal/model"
)

// OnTick advances the state machine with an oracle sample.
func (e *Engine) OnTick(ctx context.Context, s model.PriceSample) error {
	if !s.Price.IsPositive() {
		return fmt.Errorf("frame: non-positive price %s", s.Price)
	}
	if s.Time.IsZero() {
		s.Time = e.now()
	}

	var err error
	e.guard.Do(func() {
		e.last = s
		err = e.tickLocked(ctx, s)
	})
	return err
}

func (e *Engine) tickLocked(ctx context.Context, s model.PriceSample) error {
	ts := s.Time

	if e.frame == nil {
		return e.openLocked(ctx, ts, s.Price)
	}
	end := e.frame.EndTime

	switch e.phase {
	case model.PhaseOpen:
		if ts.Before(end) {
			return nil
		}
		if len(e.frame.Bets) == 0 {
			return e.openLocked(ctx, ts, s.Price)
		}
		return e.closeLocked(ctx, ts, s.Price)

	case model.PhasePaused:
		if len(e.frame.Bets) > 0 && !ts.Before(end.Add(-e.cfg.CancelLead)) {
			if err := e.cancelLocked(ctx, "paused past cancel lead"); err != nil {
				return err
			}
			if !ts.Before(end) {
				return e.openLocked(ctx, ts, s.Price)
			}
			return nil
		}
		if len(e.frame.Bets) == 0 && !ts.Before(end) {
			return e.openLocked(ctx, ts, s.Price)
		}
		return nil

	case model.PhaseCancelled:
		if !ts.Before(end) {
			return e.openLocked(ctx, ts, s.Price)
		}
		return nil

	case model.PhaseClosing:
		return e.resolveClosingLocked(ctx, e.now())

	default:
		return e.openLocked(ctx, ts, s.Price)
	}
}

// openLocked starts the frame for the window containing ts. Nothing changes
// in memory unless the new state is persisted.
func (e *Engine) openLocked(ctx context.Context, ts time.Time, price decimal.Decimal) error {
	start := e.windowStart(ts)
	next := &model.Frame{
		ID:          start.Unix(),
		StartTime:   start,
		EndTime:     start.Add(e.cfg.Duration),
		OpenPrice:   price,
		TotalVolume: decimal.Zero,
	}
	baseline := e.ledger.Baseline()

	state := e.stateLocked()
	state.Phase = model.PhaseOpen
	state.Frame = next
	state.Pool = model.PoolShares{Up: baseline, Down: baseline}
	state.ClosingSince = nil
	if err := e.writeStateLocked(ctx, state); err != nil {
		return err
	}

	e.frame = next
	e.phase = model.PhaseOpen
	e.closingSince = nil
	e.ledger.Reset()

	slog.Info("frame opened",
		"frame", next.ID,
		"open_price", price.String(),
		"ends_at", next.EndTime,
	)
	return nil
}

// closeLocked moves the live frame to CLOSING, settles it, and opens the
// next one. If settlement fails the frame stays CLOSING for a retry.
func (e *Engine) closeLocked(ctx context.Context, ts time.Time, price decimal.Decimal) error {
	now := e.now()
	next := e.frame.Clone()
	next.ClosePrice = price

	state := e.stateLocked()
	state.Phase = model.PhaseClosing
	state.Frame = next
	state.ClosingSince = &now
	if err := e.writeStateLocked(ctx, state); err != nil {
		return err
	}
	e.frame = next
	e.phase = model.PhaseClosing
	e.closingSince = &now

	if _, err := e.settleLocked(ctx); err != nil {
		slog.Error("frame settlement failed, will retry", "frame", e.frame.ID, "err", err)
		return err
	}
	return e.openLocked(ctx, ts, price)
}

// resolveClosingLocked finishes a frame left in CLOSING. A recorded outcome
// is always completed as decided. Without one, settlement is retried within
// the grace period and the frame is refunded after it. Either way the engine
// restarts from the last known price.
func (e *Engine) resolveClosingLocked(ctx context.Context, now time.Time) error {
	since := now
	if e.closingSince != nil {
		since = *e.closingSince
	}
	stuck := now.Sub(since) > e.cfg.ClosingGrace

	marker, err := e.repo.LoadSettlement(ctx, e.frame.ID)
	if err != nil {
		return fmt.Errorf("frame: load settlement: %w", err)
	}

	switch {
	case marker.Cancelled():
		if err := e.cancelLocked(ctx, "recovered cancellation"); err != nil {
			return err
		}

	case marker != nil || !stuck:
		queued, err := e.settleLocked(ctx)
		if err != nil {
			if !stuck || !queued {
				return err
			}
			metrics.FailsafeActivations.Inc()
			slog.Error("failsafe: restarting past frame with queued but unarchived settlement",
				"frame", e.frame.ID,
				"closing_for", now.Sub(since).String(),
				"err", err,
			)
		}

	default:
		metrics.FailsafeActivations.Inc()
		slog.Error("failsafe: refunding frame stuck in closing",
			"frame", e.frame.ID,
			"closing_for", now.Sub(since).String(),
			"err", ErrStuckClosing,
		)
		if err := e.cancelLocked(ctx, "failsafe"); err != nil {
			return err
		}
	}
	return e.openLocked(ctx, now, e.restartPrice())
}

// CheckStuck is the watchdog entry point for frames stuck in CLOSING.
func (e *Engine) CheckStuck(ctx context.Context, now time.Time) error {
	var err error
	e.guard.Do(func() {
		if e.phase != model.PhaseClosing || e.frame == nil {
			return
		}
		err = e.resolveClosingLocked(ctx, now)
	})
	return err
}

// RunWatchdog calls CheckStuck every interval until ctx is cancelled.
func (e *Engine) RunWatchdog(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.CheckStuck(ctx, e.now()); err != nil {
				slog.Error("closing watchdog failed", "err", err)
			}
		}
	}
}

func (e *Engine) restartPrice() decimal.Decimal {
	if e.last.Price.IsPositive() {
		return e.last.Price
	}
	if e.frame != nil && e.frame.ClosePrice.IsPositive() {
		return e.frame.ClosePrice
	}
	if e.frame != nil {
		return e.frame.OpenPrice
	}
	return decimal.Zero
}

// Pause stops bet intake on the live frame.
func (e *Engine) Pause(ctx context.Context) error {
	var err error
	e.guard.Do(func() {
		switch e.phase {
		case model.PhasePaused:
			return
		case model.PhaseOpen:
		default:
			err = ErrNoOpenFrame
			return
		}
		err = e.setPhaseLocked(ctx, model.PhasePaused, model.ResultPaused)
		if err == nil {
			slog.Warn("frame paused", "frame", e.frame.ID, "bets", len(e.frame.Bets))
		}
	})
	return err
}

// Resume reopens a paused frame that has not been cancelled.
func (e *Engine) Resume(ctx context.Context) error {
	var err error
	e.guard.Do(func() {
		if e.phase != model.PhasePaused {
			err = ErrNotPaused
			return
		}
		err = e.setPhaseLocked(ctx, model.PhaseOpen, model.ResultNone)
		if err == nil {
			slog.Info("frame resumed", "frame", e.frame.ID)
		}
	})
	return err
}

func (e *Engine) setPhaseLocked(ctx context.Context, phase model.Phase, result model.Result) error {
	next := e.frame.Clone()
	next.Result = result

	state := e.stateLocked()
	state.Phase = phase
	state.Frame = next
	if err := e.writeStateLocked(ctx, state); err != nil {
		return err
	}
	e.phase = phase
	e.frame = next
	return nil
}

// CancelAndRefund cancels the live frame and enqueues full refunds. The
// phase stays CANCELLED until the next window boundary.
func (e *Engine) CancelAndRefund(ctx context.Context) error {
	var err error
	e.guard.Do(func() {
		if e.phase != model.PhaseOpen && e.phase != model.PhasePaused {
			err = ErrNoOpenFrame
			return
		}
		err = e.cancelLocked(ctx, "admin")
	})
	return err
}
