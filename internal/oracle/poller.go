package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/frame-engine/internal/metrics"
	"github.com/atmx/frame-engine/internal/model"
)

// TickFunc consumes a fresh sample.
type TickFunc func(ctx context.Context, s model.PriceSample) error

// Poller feeds oracle samples to a TickFunc at a fixed interval. Fetch and
// tick failures are logged and the loop continues.
type Poller struct {
	oracle   Oracle
	tick     TickFunc
	interval time.Duration
}

// NewPoller creates a poller.
func NewPoller(o Oracle, tick TickFunc, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{oracle: o, tick: tick, interval: interval}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll performs a single fetch-and-tick.
func (p *Poller) Poll(ctx context.Context) {
	s, err := p.oracle.Price(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.OracleErrors.Inc()
		slog.Warn("oracle fetch failed, keeping last price", "err", err)
		return
	}
	if err := p.tick(ctx, s); err != nil {
		slog.Error("frame tick failed", "price", s.Price.String(), "err", err)
	}
}
