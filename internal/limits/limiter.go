// Package limits implements the wager limits checked before a bet touches the
// ledger.
//
// A frame can be skewed by a single large wallet or a runaway side, so on
// top of the per-bet min/max the limiter caps each user's total wager in the
// frame and the volume one side may accumulate.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinimum is returned when a bet is smaller than MinBet.
	ErrBelowMinimum = errors.New("limits: bet below minimum")

	// ErrAboveMaximum is returned when a bet is larger than MaxBet.
	ErrAboveMaximum = errors.New("limits: bet above maximum")

	// ErrUserLimitExceeded is returned when a bet would push a user's total
	// wager in the frame beyond MaxPerUser.
	ErrUserLimitExceeded = errors.New("limits: per-user frame limit exceeded")

	// ErrSideLimitExceeded is returned when a bet would push a side's volume
	// in the frame beyond MaxPerSide.
	ErrSideLimitExceeded = errors.New("limits: per-side frame limit exceeded")
)

// Exposure is the frame-level volume the limiter compares against.
type Exposure struct {
	// User is the amount the bettor already wagered in this frame.
	User decimal.Decimal

	// Side is the volume already wagered on the bet's side.
	Side decimal.Decimal
}

// Limiter holds the configured caps. A zero cap disables that check.
type Limiter struct {
	MinBet     decimal.Decimal
	MaxBet     decimal.Decimal
	MaxPerUser decimal.Decimal
	MaxPerSide decimal.Decimal
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(minBet, maxBet, maxPerUser, maxPerSide decimal.Decimal) *Limiter {
	return &Limiter{
		MinBet:     minBet,
		MaxBet:     maxBet,
		MaxPerUser: maxPerUser,
		MaxPerSide: maxPerSide,
	}
}

// Check validates amount against the caps given the frame exposure.
// Returns nil if the bet is within limits.
func (l *Limiter) Check(amount decimal.Decimal, exp Exposure) error {
	if l.MinBet.IsPositive() && amount.LessThan(l.MinBet) {
		return ErrBelowMinimum
	}
	if l.MaxBet.IsPositive() && amount.GreaterThan(l.MaxBet) {
		return ErrAboveMaximum
	}
	if l.MaxPerUser.IsPositive() && exp.User.Add(amount).GreaterThan(l.MaxPerUser) {
		return ErrUserLimitExceeded
	}
	if l.MaxPerSide.IsPositive() && exp.Side.Add(amount).GreaterThan(l.MaxPerSide) {
		return ErrSideLimitExceeded
	}
	return nil
}
