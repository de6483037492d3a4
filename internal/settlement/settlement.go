// Package settlement computes the outcome of a closed frame: the result,
// platform fees, the pot, and each winner's share of it.
//
// Compute is pure. Persisting history and enqueueing transfers is the
// caller's job, which keeps settlement free of network I/O.
//
// Money is shopspring/decimal throughout; amounts are floored to whole units.
package settlement

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/model"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("settlement: invalid policy")

// Policy holds the fee split and transfer thresholds.
type Policy struct {
	FeeRate    decimal.Decimal
	UpkeepRate decimal.Decimal
	PotRate    decimal.Decimal

	// DustThreshold is the smallest transfer worth submitting. Smaller
	// payouts are dropped and the remainder stays with the house.
	DustThreshold decimal.Decimal

	FeeAddress    string
	UpkeepAddress string
}

// Validate checks that the rates are non-negative and sum to exactly 1.
func (p Policy) Validate() error {
	for name, r := range map[string]decimal.Decimal{"fee": p.FeeRate, "upkeep": p.UpkeepRate, "pot": p.PotRate} {
		if r.IsNegative() {
			return fmt.Errorf("%w: %s rate is negative", ErrInvalidPolicy, name)
		}
	}
	sum := p.FeeRate.Add(p.UpkeepRate).Add(p.PotRate)
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: rates sum to %s, want 1", ErrInvalidPolicy, sum)
	}
	if p.DustThreshold.IsNegative() {
		return fmt.Errorf("%w: dust threshold is negative", ErrInvalidPolicy)
	}
	return nil
}

// Input is everything settlement needs from a closed frame.
type Input struct {
	FrameID     int64
	OpenPrice   decimal.Decimal
	ClosePrice  decimal.Decimal
	Bets        []model.Bet
	TotalVolume decimal.Decimal
}

// UserOutcome is one user's aggregated position and result.
type UserOutcome struct {
	UserID        string
	Stance        model.Direction
	UpShares      decimal.Decimal
	DownShares    decimal.Decimal
	Wagered       decimal.Decimal
	Won           bool
	Payout        decimal.Decimal
	DroppedAsDust bool
}

// Result is the settlement of one frame.
type Result struct {
	FrameID  int64
	Result   model.Result
	Volume   decimal.Decimal
	Fee      decimal.Decimal
	Upkeep   decimal.Decimal
	Pot      decimal.Decimal
	PaidOut  decimal.Decimal
	Retained decimal.Decimal

	// Payouts are sorted by recipient and exclude dust.
	Payouts []model.Transfer

	// Outcomes are sorted by user id.
	Outcomes []UserOutcome
}

// Outcome maps the open/close prices to a frame result.
func Outcome(open, close decimal.Decimal) model.Result {
	switch {
	case close.GreaterThan(open):
		return model.ResultUp
	case close.LessThan(open):
		return model.ResultDown
	default:
		return model.ResultFlat
	}
}

// Compute settles a frame under policy p.
func Compute(in Input, p Policy) Result {
	volume := in.TotalVolume
	if volume.IsZero() {
		for _, b := range in.Bets {
			volume = volume.Add(b.Cost)
		}
	}

	res := Result{
		FrameID: in.FrameID,
		Result:  Outcome(in.OpenPrice, in.ClosePrice),
		Volume:  volume,
		Fee:     volume.Mul(p.FeeRate).Floor(),
		Upkeep:  volume.Mul(p.UpkeepRate).Floor(),
		Pot:     volume.Mul(p.PotRate).Floor(),
		PaidOut: decimal.Zero,
	}

	outcomes := aggregate(in.Bets)

	winning := model.Direction(res.Result)
	totalWinning := decimal.Zero
	if res.Result != model.ResultFlat {
		for _, o := range outcomes {
			if o.Stance == winning {
				totalWinning = totalWinning.Add(o.shares(winning))
			}
		}
	}

	for i := range outcomes {
		o := &outcomes[i]
		if res.Result == model.ResultFlat || o.Stance != winning || totalWinning.IsZero() {
			continue
		}
		o.Won = true
		payout := o.shares(winning).Mul(res.Pot).Div(totalWinning).Floor()
		if payout.LessThan(p.DustThreshold) || !payout.IsPositive() {
			o.DroppedAsDust = true
			continue
		}
		o.Payout = payout
		res.PaidOut = res.PaidOut.Add(payout)
		res.Payouts = append(res.Payouts, model.Transfer{Recipient: o.UserID, Amount: payout})
	}

	res.Outcomes = outcomes
	res.Retained = res.Pot.Sub(res.PaidOut)
	return res
}

// FeeTransfers returns the platform fee and upkeep transfers above dust.
func (r Result) FeeTransfers(p Policy) []model.Transfer {
	var out []model.Transfer
	if p.FeeAddress != "" && r.Fee.IsPositive() && r.Fee.GreaterThanOrEqual(p.DustThreshold) {
		out = append(out, model.Transfer{Recipient: p.FeeAddress, Amount: r.Fee})
	}
	if p.UpkeepAddress != "" && r.Upkeep.IsPositive() && r.Upkeep.GreaterThanOrEqual(p.DustThreshold) {
		out = append(out, model.Transfer{Recipient: p.UpkeepAddress, Amount: r.Upkeep})
	}
	return out
}

// Refunds returns each user's full wagered cost, sorted by recipient.
// Refunds are never dropped as dust.
func Refunds(bets []model.Bet) []model.Transfer {
	totals := make(map[string]decimal.Decimal)
	for _, b := range bets {
		totals[b.UserID] = totals[b.UserID].Add(b.Cost)
	}
	out := make([]model.Transfer, 0, len(totals))
	for user, amt := range totals {
		if amt.IsPositive() {
			out = append(out, model.Transfer{Recipient: user, Amount: amt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

func (o UserOutcome) shares(d model.Direction) decimal.Decimal {
	if d == model.Down {
		return o.DownShares
	}
	return o.UpShares
}

// aggregate nets bets per user. A user's stance is the side holding more
// shares; minority-side shares are ignored entirely and a tie is FLAT.
func aggregate(bets []model.Bet) []UserOutcome {
	byUser := make(map[string]*UserOutcome)
	for _, b := range bets {
		o, ok := byUser[b.UserID]
		if !ok {
			o = &UserOutcome{UserID: b.UserID}
			byUser[b.UserID] = o
		}
		if b.Direction == model.Down {
			o.DownShares = o.DownShares.Add(b.Shares)
		} else {
			o.UpShares = o.UpShares.Add(b.Shares)
		}
		o.Wagered = o.Wagered.Add(b.Cost)
	}

	out := make([]UserOutcome, 0, len(byUser))
	for _, o := range byUser {
		switch {
		case o.UpShares.GreaterThan(o.DownShares):
			o.Stance = model.Up
		case o.DownShares.GreaterThan(o.UpShares):
			o.Stance = model.Down
		default:
			o.Stance = model.Flat
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
