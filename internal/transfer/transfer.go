// Package transfer defines the boundary to the system that actually moves
// funds. The engine never builds or signs transactions; it hands a bundle of
// (recipient, amount) pairs to a Submitter and gets back a confirmation id.
package transfer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/model"
)

var (
	// ErrSubmissionFailed wraps any failure to get a bundle confirmed.
	// The payout queue retries these.
	ErrSubmissionFailed = errors.New("transfer: submission failed")

	// ErrReserveExhausted means the paying account cannot cover the bundle.
	// Retrying immediately is pointless, so the queue stops its cycle.
	ErrReserveExhausted = errors.New("transfer: reserve exhausted")
)

// Submitter sends one multi-recipient bundle.
type Submitter interface {
	Submit(ctx context.Context, transfers []model.Transfer, priorityFee decimal.Decimal) (txID string, err error)
}

// FuncSubmitter adapts a callback to the Submitter interface.
type FuncSubmitter func(ctx context.Context, transfers []model.Transfer, priorityFee decimal.Decimal) (string, error)

// Submit delegates to the callback.
func (f FuncSubmitter) Submit(ctx context.Context, transfers []model.Transfer, priorityFee decimal.Decimal) (string, error) {
	return f(ctx, transfers, priorityFee)
}

// DryRun logs bundles instead of sending them and returns a synthetic id.
type DryRun struct{}

// Submit implements Submitter.
func (DryRun) Submit(_ context.Context, transfers []model.Transfer, priorityFee decimal.Decimal) (string, error) {
	total := decimal.Zero
	for _, t := range transfers {
		total = total.Add(t.Amount)
	}
	txID := "dryrun-" + uuid.New().String()
	slog.Info("dry-run transfer bundle",
		"tx", txID,
		"recipients", len(transfers),
		"total", total.String(),
		"priority_fee", priorityFee.String(),
	)
	return txID, nil
}

var (
	_ Submitter = FuncSubmitter(nil)
	_ Submitter = DryRun{}
)
