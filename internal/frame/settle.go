package frame

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/metrics"
	"github.com/atmx/frame-engine/internal/model"
	"github.com/atmx/frame-engine/internal/settlement"
)

// settleLocked computes the live frame's settlement, enqueues its payout and
// fee batches, updates user records, and archives the frame. The outcome is
// recorded before any batch is queued and batch IDs are derived from the
// frame, so a retry after a partial failure queues nothing twice. A frame
// that is already archived is left alone. queued reports whether the
// frame's transfers are in the payout queue, even when err is set.
func (e *Engine) settleLocked(ctx context.Context) (queued bool, err error) {
	f := e.frame

	done, err := e.repo.FrameArchived(ctx, f.ID)
	if err != nil {
		return false, fmt.Errorf("frame: check archive: %w", err)
	}
	if done {
		slog.Info("frame already settled, skipping", "frame", f.ID)
		return true, nil
	}

	marker, err := e.repo.LoadSettlement(ctx, f.ID)
	if err != nil {
		return false, fmt.Errorf("frame: load settlement: %w", err)
	}
	if marker.Cancelled() {
		return false, fmt.Errorf("%w: frame %d was cancelled", ErrOutcomeDecided, f.ID)
	}

	res := settlement.Compute(settlement.Input{
		FrameID:     f.ID,
		OpenPrice:   f.OpenPrice,
		ClosePrice:  f.ClosePrice,
		Bets:        f.Bets,
		TotalVolume: f.TotalVolume,
	}, e.cfg.Policy)

	if marker == nil {
		marker = &model.SettlementMarker{FrameID: f.ID, Result: res.Result, At: e.now().UTC()}
		if err := e.repo.SaveSettlement(ctx, marker); err != nil {
			return false, fmt.Errorf("frame: record settlement: %w", err)
		}
	}

	var batches []model.QueueBatch
	if len(res.Payouts) > 0 {
		batches = append(batches, model.QueueBatch{
			ID:        batchID(f.ID, model.BatchPayout),
			Type:      model.BatchPayout,
			FrameID:   f.ID,
			Transfers: res.Payouts,
		})
	}
	if fees := res.FeeTransfers(e.cfg.Policy); len(fees) > 0 {
		batches = append(batches, model.QueueBatch{
			ID:        batchID(f.ID, model.BatchFee),
			Type:      model.BatchFee,
			FrameID:   f.ID,
			Transfers: fees,
		})
	}
	if err := e.queue.Enqueue(ctx, batches...); err != nil {
		return false, fmt.Errorf("frame: enqueue settlement: %w", err)
	}

	for _, o := range res.Outcomes {
		if err := e.recordOutcome(ctx, f.ID, o); err != nil {
			return true, err
		}
	}

	settledAt := e.now().UTC()
	f.Result = res.Result
	f.Fee = res.Fee.Add(res.Upkeep)
	f.Pot = res.Pot
	f.PaidOut = res.PaidOut
	f.SettledAt = &settledAt
	if err := e.repo.SaveFrame(ctx, f); err != nil {
		return true, fmt.Errorf("frame: archive: %w", err)
	}

	metrics.FramesClosed.WithLabelValues(string(res.Result)).Inc()
	slog.Info("frame settled",
		"frame", f.ID,
		"result", res.Result,
		"open", f.OpenPrice.String(),
		"close", f.ClosePrice.String(),
		"volume", res.Volume.String(),
		"pot", res.Pot.String(),
		"paid_out", res.PaidOut.String(),
		"retained", res.Retained.String(),
		"winners", len(res.Payouts),
	)
	e.publish(f)
	return true, nil
}

// cancelLocked moves the live frame to CANCELLED. A frame with bets is
// archived as CANCELLED and every bet's full cost is refunded; a frame
// without bets leaves no history record.
func (e *Engine) cancelLocked(ctx context.Context, reason string) error {
	if len(e.frame.Bets) == 0 {
		slog.Info("frame cancelled without bets", "frame", e.frame.ID, "reason", reason)
	} else if err := e.refundLocked(ctx, reason); err != nil {
		return err
	}

	e.phase = model.PhaseCancelled
	e.closingSince = nil
	return e.saveStateLocked(ctx)
}

func (e *Engine) refundLocked(ctx context.Context, reason string) error {
	f := e.frame

	done, err := e.repo.FrameArchived(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("frame: check archive: %w", err)
	}
	if done {
		slog.Info("frame already archived, no refunds enqueued", "frame", f.ID, "reason", reason)
		return nil
	}

	marker, err := e.repo.LoadSettlement(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("frame: load settlement: %w", err)
	}
	switch {
	case marker == nil:
		marker = &model.SettlementMarker{FrameID: f.ID, Result: model.ResultCancelled, At: e.now().UTC()}
		if err := e.repo.SaveSettlement(ctx, marker); err != nil {
			return fmt.Errorf("frame: record cancellation: %w", err)
		}
	case !marker.Cancelled():
		return fmt.Errorf("%w: frame %d settled %s", ErrOutcomeDecided, f.ID, marker.Result)
	}

	refunds := settlement.Refunds(f.Bets)
	if len(refunds) > 0 {
		batch := model.QueueBatch{
			ID:        batchID(f.ID, model.BatchRefund),
			Type:      model.BatchRefund,
			FrameID:   f.ID,
			Transfers: refunds,
		}
		if err := e.queue.Enqueue(ctx, batch); err != nil {
			return fmt.Errorf("frame: enqueue refunds: %w", err)
		}
	}
	for _, r := range refunds {
		if err := e.recordRefund(ctx, f, r); err != nil {
			return err
		}
	}

	settledAt := e.now().UTC()
	f.Result = model.ResultCancelled
	if f.ClosePrice.IsZero() {
		f.ClosePrice = e.last.Price
	}
	f.SettledAt = &settledAt
	if err := e.repo.SaveFrame(ctx, f); err != nil {
		return fmt.Errorf("frame: archive: %w", err)
	}

	metrics.FramesClosed.WithLabelValues(string(model.ResultCancelled)).Inc()
	slog.Warn("frame cancelled",
		"frame", f.ID,
		"reason", reason,
		"bets", len(f.Bets),
		"refunds", len(refunds),
		"volume", f.TotalVolume.String(),
	)
	e.publish(f)
	return nil
}

func batchID(frameID int64, t model.BatchType) string {
	return fmt.Sprintf("frame-%d-%s", frameID, strings.ToLower(string(t)))
}

// recordOutcome applies a settled position to the user's record. Stats are
// applied once per frame; a re-run finds Wagered already set.
func (e *Engine) recordOutcome(ctx context.Context, frameID int64, o settlement.UserOutcome) error {
	key := strconv.FormatInt(frameID, 10)
	err := e.repo.UpdateUser(ctx, o.UserID, func(u *model.UserRecord) error {
		entry := u.Entry(key)
		if entry.Wagered.IsPositive() {
			return nil
		}
		entry.Direction = o.Stance
		entry.Wagered = o.Wagered
		if o.Won {
			entry.Outcome = model.OutcomeWon
			u.Wins++
		} else {
			entry.Outcome = model.OutcomeLost
			u.Losses++
		}
		u.TotalWagered = u.TotalWagered.Add(o.Wagered)
		u.FramesPlayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("frame: record outcome for %s: %w", o.UserID, err)
	}
	return nil
}

func (e *Engine) recordRefund(ctx context.Context, f *model.Frame, r model.Transfer) error {
	key := strconv.FormatInt(f.ID, 10)
	dir := model.Flat
	up, down := decimal.Zero, decimal.Zero
	for _, b := range f.Bets {
		if b.UserID != r.Recipient {
			continue
		}
		if b.Direction == model.Down {
			down = down.Add(b.Shares)
		} else {
			up = up.Add(b.Shares)
		}
	}
	switch {
	case up.GreaterThan(down):
		dir = model.Up
	case down.GreaterThan(up):
		dir = model.Down
	}

	err := e.repo.UpdateUser(ctx, r.Recipient, func(u *model.UserRecord) error {
		entry := u.Entry(key)
		if entry.Wagered.IsPositive() {
			return nil
		}
		entry.Direction = dir
		entry.Wagered = r.Amount
		u.TotalWagered = u.TotalWagered.Add(r.Amount)
		u.FramesPlayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("frame: record refund for %s: %w", r.Recipient, err)
	}
	return nil
}
