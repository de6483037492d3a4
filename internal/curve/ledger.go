package curve

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/model"
)

// Ledger holds the pool shares of the live frame. Quote-and-apply happens
// under one lock so concurrent wagers never price off the same pool.
type Ledger struct {
	curve    *Curve
	baseline decimal.Decimal

	mu   sync.Mutex
	pool model.PoolShares
}

// NewLedger creates a ledger seeded at baseline shares per side.
func NewLedger(c *Curve, baseline decimal.Decimal) (*Ledger, error) {
	if baseline.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidBaseline
	}
	return &Ledger{
		curve:    c,
		baseline: baseline,
		pool:     model.PoolShares{Up: baseline, Down: baseline},
	}, nil
}

// Quote returns the current price for a side.
func (l *Ledger) Quote(d model.Direction) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curve.Price(l.pool.Side(d), l.pool.Total())
}

// Apply prices amount at the current quote, grants the shares, and returns
// the price used. There is no reversal; cancelled frames refund cost instead.
func (l *Ledger) Apply(d model.Direction, amount decimal.Decimal) (price, shares decimal.Decimal, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	price, shares, next, err := l.preview(d, amount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	l.pool = next
	return price, shares, nil
}

// Preview prices amount like Apply and returns the pool it would produce,
// leaving the ledger untouched. Commit the result with Restore.
func (l *Ledger) Preview(d model.Direction, amount decimal.Decimal) (price, shares decimal.Decimal, next model.PoolShares, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.preview(d, amount)
}

func (l *Ledger) preview(d model.Direction, amount decimal.Decimal) (price, shares decimal.Decimal, next model.PoolShares, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, l.pool, ErrInvalidAmount
	}
	price = l.curve.Price(l.pool.Side(d), l.pool.Total())
	shares = l.curve.Shares(amount, price)

	next = l.pool
	if d == model.Down {
		next.Down = next.Down.Add(shares)
	} else {
		next.Up = next.Up.Add(shares)
	}
	return price, shares, next, nil
}

// Pool returns a copy of the current counters.
func (l *Ledger) Pool() model.PoolShares {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool
}

// Baseline returns the seed share count.
func (l *Ledger) Baseline() decimal.Decimal {
	return l.baseline
}

// Reset returns both counters to the baseline for a new frame.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pool = model.PoolShares{Up: l.baseline, Down: l.baseline}
}

// Restore loads counters from a persisted snapshot. Zero counters fall back
// to the baseline.
func (l *Ledger) Restore(p model.PoolShares) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !p.Up.IsPositive() {
		p.Up = l.baseline
	}
	if !p.Down.IsPositive() {
		p.Down = l.baseline
	}
	l.pool = p
}
