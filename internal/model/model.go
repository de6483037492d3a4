// Package model defines the core domain types shared across the frame engine.
// Monetary values are shopspring/decimal, never float64.
// Amounts are whole native units; prices and shares carry fractional digits.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a wager.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
	// Flat is only ever a stance (equal shares on both sides), never a bet.
	Flat Direction = "FLAT"
)

// Valid reports whether d is a side a bet can be placed on.
func (d Direction) Valid() bool {
	return d == Up || d == Down
}

// Result is the outcome recorded on a frame.
type Result string

const (
	ResultNone      Result = ""
	ResultUp        Result = "UP"
	ResultDown      Result = "DOWN"
	ResultFlat      Result = "FLAT"
	ResultCancelled Result = "CANCELLED"
	ResultPaused    Result = "PAUSED"
)

// Phase is the state machine position of the live frame.
type Phase string

const (
	PhaseIdle      Phase = "IDLE" // no oracle sample seen yet
	PhaseOpen      Phase = "OPEN"
	PhasePaused    Phase = "PAUSED"
	PhaseClosing   Phase = "CLOSING"
	PhaseCancelled Phase = "CANCELLED"
)

// Bet is an immutable wager funded by an external transfer. The signature of
// that transfer is the idempotency key.
type Bet struct {
	Signature  string          `json:"signature"`
	UserID     string          `json:"user_id"`
	Direction  Direction       `json:"direction"`
	Cost       decimal.Decimal `json:"cost"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Shares     decimal.Decimal `json:"shares"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Frame is one fixed-duration betting round. ID is the window start in unix
// seconds. Once archived it is never modified.
type Frame struct {
	ID          int64           `json:"id"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	OpenPrice   decimal.Decimal `json:"open_price"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	Result      Result          `json:"result"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	Bets        []Bet           `json:"bets"`
	Fee         decimal.Decimal `json:"fee"`
	Pot         decimal.Decimal `json:"pot"`
	PaidOut     decimal.Decimal `json:"paid_out"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Bets = append([]Bet(nil), f.Bets...)
	if f.SettledAt != nil {
		ts := *f.SettledAt
		c.SettledAt = &ts
	}
	return &c
}

// PoolShares tracks outstanding shares per side for the bonding curve.
type PoolShares struct {
	Up   decimal.Decimal `json:"up"`
	Down decimal.Decimal `json:"down"`
}

// Side returns the counter for a direction.
func (p PoolShares) Side(d Direction) decimal.Decimal {
	if d == Down {
		return p.Down
	}
	return p.Up
}

// Total is up + down.
func (p PoolShares) Total() decimal.Decimal {
	return p.Up.Add(p.Down)
}

// FrameEntry is one user's participation in one frame.
type FrameEntry struct {
	Direction    Direction       `json:"direction"`
	Outcome      string          `json:"outcome"` // won | lost | refunded | pending
	Wagered      decimal.Decimal `json:"wagered"`
	PayoutAmount decimal.Decimal `json:"payout_amount"`
	PayoutTx     string          `json:"payout_tx,omitempty"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	RefundTx     string          `json:"refund_tx,omitempty"`
	FeeTx        string          `json:"fee_tx,omitempty"`
}

const (
	OutcomePending  = "pending"
	OutcomeWon      = "won"
	OutcomeLost     = "lost"
	OutcomeRefunded = "refunded"
)

// UserRecord aggregates a user's history. Created lazily, never deleted.
type UserRecord struct {
	UserID       string                 `json:"user_id"`
	Wins         int                    `json:"wins"`
	Losses       int                    `json:"losses"`
	TotalWagered decimal.Decimal        `json:"total_wagered"`
	TotalPaid    decimal.Decimal        `json:"total_paid"`
	FramesPlayed int                    `json:"frames_played"`
	FrameLog     map[string]*FrameEntry `json:"frame_log"`
}

// NewUserRecord returns an empty record for userID.
func NewUserRecord(userID string) *UserRecord {
	return &UserRecord{
		UserID:   userID,
		FrameLog: make(map[string]*FrameEntry),
	}
}

// Entry returns the frame entry for frameID, creating it if needed.
func (u *UserRecord) Entry(frameID string) *FrameEntry {
	if u.FrameLog == nil {
		u.FrameLog = make(map[string]*FrameEntry)
	}
	e, ok := u.FrameLog[frameID]
	if !ok {
		e = &FrameEntry{Outcome: OutcomePending}
		u.FrameLog[frameID] = e
	}
	return e
}

// BatchType distinguishes queued transfer batches.
type BatchType string

const (
	BatchPayout BatchType = "PAYOUT"
	BatchRefund BatchType = "REFUND"
	BatchFee    BatchType = "FEE"
)

// Transfer is a single (recipient, amount) pair.
type Transfer struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// QueueBatch is one durable unit of work for the payout queue.
type QueueBatch struct {
	ID         string     `json:"id"`
	Type       BatchType  `json:"type"`
	FrameID    int64      `json:"frame_id"`
	Transfers  []Transfer `json:"transfers"`
	RetryCount int        `json:"retry_count"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Total sums the batch amounts.
func (b QueueBatch) Total() decimal.Decimal {
	total := decimal.Zero
	for _, t := range b.Transfers {
		total = total.Add(t.Amount)
	}
	return total
}

// SettlementMarker records the decided outcome of a frame. It is written
// before any of the frame's batches are queued and is never rewritten, so a
// frame is either settled or cancelled, never both.
type SettlementMarker struct {
	FrameID int64     `json:"frame_id"`
	Result  Result    `json:"result"`
	At      time.Time `json:"at"`
}

// Cancelled reports whether the decision was a refund.
func (m *SettlementMarker) Cancelled() bool {
	return m != nil && m.Result == ResultCancelled
}

// PayoutHistoryRecord is an append-only audit entry for a delivered batch.
type PayoutHistoryRecord struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	FrameID        int64           `json:"frame_id"`
	Type           BatchType       `json:"type"`
	TxID           string          `json:"tx_id"`
	RecipientCount int             `json:"recipient_count"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

// FailureRecord is an append-only entry for a transfer that exhausted retries.
type FailureRecord struct {
	Timestamp time.Time  `json:"timestamp"`
	Batch     QueueBatch `json:"batch"`
	LastError string     `json:"last_error"`
}

// PriceSample is one oracle observation.
type PriceSample struct {
	Price decimal.Decimal `json:"price"`
	Time  time.Time       `json:"time"`
}

// EngineState is the persisted snapshot of the frame state machine.
type EngineState struct {
	Phase        Phase       `json:"phase"`
	Frame        *Frame      `json:"frame,omitempty"`
	Pool         PoolShares  `json:"pool"`
	ClosingSince *time.Time  `json:"closing_since,omitempty"`
	LastSample   PriceSample `json:"last_sample"`
}
