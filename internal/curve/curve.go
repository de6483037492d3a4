// Package curve implements the bonding-curve pricing used for frame wagers.
//
// The price of a side is its share of the pool scaled to native units:
//
//	price(side) = shares(side) / (shares(up) + shares(down)) × Scale
//
// Buying a side grows its share counter, so each further share on that side
// costs more while the opposite side gets cheaper. Both counters start at a
// nonzero baseline so the first wager has a defined price.
//
// Prices and shares are shopspring/decimal rounded to PriceScale places.
package curve

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidBaseline is returned when the seed share count is <= 0.
	ErrInvalidBaseline = errors.New("curve: baseline shares must be positive")

	// ErrInvalidScale is returned when the price scale is <= 0.
	ErrInvalidScale = errors.New("curve: price scale must be positive")

	// ErrInvalidAmount is returned when a wager amount is <= 0.
	ErrInvalidAmount = errors.New("curve: amount must be positive")

	// PriceScale is the number of decimal places for price/share rounding.
	PriceScale int32 = 8
)

// Curve is the stateless pricing function. Pool quantities are passed as
// arguments, not stored.
type Curve struct {
	scale    decimal.Decimal
	minPrice decimal.Decimal
}

// New creates a curve with the given scale (price of a side holding the whole
// pool) and minimum tick. A non-positive minPrice disables the floor.
func New(scale, minPrice decimal.Decimal) (*Curve, error) {
	if scale.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidScale
	}
	if minPrice.IsNegative() {
		minPrice = decimal.Zero
	}
	return &Curve{scale: scale, minPrice: minPrice}, nil
}

// Scale returns the price of a side that holds the entire pool.
func (c *Curve) Scale() decimal.Decimal {
	return c.scale
}

// Price computes the price of a side holding `side` shares out of `total`.
// The result is floored at the minimum tick so shares are never free.
func (c *Curve) Price(side, total decimal.Decimal) decimal.Decimal {
	if total.LessThanOrEqual(decimal.Zero) {
		return c.scale
	}
	p := side.Div(total).Mul(c.scale).Round(PriceScale)
	if p.LessThan(c.minPrice) {
		return c.minPrice
	}
	return p
}

// Shares converts a wager amount into shares at price.
func (c *Curve) Shares(amount, price decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return amount.DivRound(price, PriceScale)
}
