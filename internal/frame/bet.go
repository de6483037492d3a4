package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/limits"
	"github.com/atmx/frame-engine/internal/metrics"
	"github.com/atmx/frame-engine/internal/model"
	"github.com/atmx/frame-engine/internal/store"
)

// BetRequest is a wager funded by an external transfer identified by
// Signature.
type BetRequest struct {
	Signature string          `json:"signature"`
	UserID    string          `json:"user_id"`
	Direction model.Direction `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`

	// ObservedAt is when the funding transfer was seen. Zero means now.
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// BetReceipt is returned for an accepted bet.
type BetReceipt struct {
	FrameID   int64           `json:"frame_id"`
	Direction model.Direction `json:"direction"`
	Price     decimal.Decimal `json:"price"`
	Shares    decimal.Decimal `json:"shares"`
}

func (r BetRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Signature) == "":
		return fmt.Errorf("%w: signature is required", ErrInvalidBet)
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidBet)
	case !r.Direction.Valid():
		return fmt.Errorf("%w: direction must be UP or DOWN", ErrInvalidBet)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidBet)
	case !r.Amount.Equal(r.Amount.Truncate(0)):
		return fmt.Errorf("%w: amount must be whole units", ErrInvalidBet)
	}
	return nil
}

// SubmitBet validates and applies a bet to the live frame. A rejected bet
// never moves the ledger, and the bet is persisted before it is visible.
func (e *Engine) SubmitBet(ctx context.Context, req BetRequest) (BetReceipt, error) {
	if err := req.validate(); err != nil {
		metrics.BetRejections.WithLabelValues(RejectReason(err)).Inc()
		return BetReceipt{}, err
	}
	at := req.ObservedAt
	if at.IsZero() {
		at = e.now()
	}

	var (
		receipt BetReceipt
		err     error
	)
	e.guard.Do(func() {
		receipt, err = e.applyBetLocked(ctx, req, at)
	})
	if err != nil {
		metrics.BetRejections.WithLabelValues(RejectReason(err)).Inc()
		return BetReceipt{}, err
	}

	metrics.BetsTotal.WithLabelValues(string(req.Direction)).Inc()
	metrics.BetVolume.WithLabelValues(string(req.Direction)).Add(req.Amount.InexactFloat64())
	return receipt, nil
}

func (e *Engine) applyBetLocked(ctx context.Context, req BetRequest, at time.Time) (BetReceipt, error) {
	switch e.phase {
	case model.PhaseOpen:
	case model.PhasePaused:
		return BetReceipt{}, ErrFramePaused
	case model.PhaseIdle:
		return BetReceipt{}, ErrNoOpenFrame
	default:
		return BetReceipt{}, fmt.Errorf("%w: frame is %s", ErrBettingClosed, e.phase)
	}
	if e.frame == nil {
		return BetReceipt{}, ErrNoOpenFrame
	}

	f := e.frame
	if at.Before(f.StartTime) || !at.Before(f.EndTime.Add(-e.cfg.LockOut)) {
		return BetReceipt{}, fmt.Errorf("%w: frame %d accepts bets until %s",
			ErrBettingClosed, f.ID, f.EndTime.Add(-e.cfg.LockOut).Format(time.RFC3339))
	}

	if _, seen := e.signatures[req.Signature]; seen {
		return BetReceipt{}, ErrDuplicateSignature
	}

	if e.limiter != nil {
		if err := e.limiter.Check(req.Amount, e.exposure(req.UserID, req.Direction)); err != nil {
			return BetReceipt{}, err
		}
	}

	price, shares, pool, err := e.ledger.Preview(req.Direction, req.Amount)
	if err != nil {
		return BetReceipt{}, fmt.Errorf("%w: %v", ErrInvalidBet, err)
	}

	// The signature is durable before anything else; a crash after this
	// point loses the bet rather than applying it twice.
	if err := e.repo.AppendSignature(ctx, store.SignatureEntry{
		Signature: req.Signature,
		FrameID:   f.ID,
		At:        at.UTC(),
	}); err != nil {
		return BetReceipt{}, fmt.Errorf("frame: record signature: %w", err)
	}

	next := f.Clone()
	next.Bets = append(next.Bets, model.Bet{
		Signature:  req.Signature,
		UserID:     req.UserID,
		Direction:  req.Direction,
		Cost:       req.Amount,
		EntryPrice: price,
		Shares:     shares,
		Timestamp:  at.UTC(),
	})
	next.TotalVolume = next.TotalVolume.Add(req.Amount)

	state := e.stateLocked()
	state.Frame = next
	state.Pool = pool
	if err := e.writeStateLocked(ctx, state); err != nil {
		return BetReceipt{}, fmt.Errorf("frame: persist bet: %w", err)
	}

	e.frame = next
	e.ledger.Restore(pool)
	e.signatures[req.Signature] = struct{}{}

	slog.Info("bet accepted",
		"frame", f.ID,
		"user", req.UserID,
		"direction", req.Direction,
		"amount", req.Amount.String(),
		"price", price.String(),
		"shares", shares.String(),
	)

	return BetReceipt{
		FrameID:   f.ID,
		Direction: req.Direction,
		Price:     price,
		Shares:    shares,
	}, nil
}

func (e *Engine) exposure(userID string, d model.Direction) limits.Exposure {
	exp := limits.Exposure{User: decimal.Zero, Side: decimal.Zero}
	for _, b := range e.frame.Bets {
		if b.UserID == userID {
			exp.User = exp.User.Add(b.Cost)
		}
		if b.Direction == d {
			exp.Side = exp.Side.Add(b.Cost)
		}
	}
	return exp
}

// RejectReason maps a bet rejection to a short, stable label used by metrics
// and API responses.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidBet):
		return "invalid"
	case errors.Is(err, ErrDuplicateSignature):
		return "duplicate"
	case errors.Is(err, ErrFramePaused):
		return "paused"
	case errors.Is(err, ErrNoOpenFrame):
		return "no_frame"
	case errors.Is(err, ErrBettingClosed):
		return "closed"
	case errors.Is(err, limits.ErrBelowMinimum), errors.Is(err, limits.ErrAboveMaximum):
		return "size"
	case errors.Is(err, limits.ErrUserLimitExceeded), errors.Is(err, limits.ErrSideLimitExceeded):
		return "limit"
	default:
		return "error"
	}
}
