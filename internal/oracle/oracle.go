// Package oracle supplies the price samples that drive the frame clock.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/frame-engine/internal/model"
)

// ErrUnavailable is returned when no fresh price can be produced. Callers
// keep the last known price and defer boundary checks.
var ErrUnavailable = errors.New("oracle: price unavailable")

// Oracle returns the current price and the time it was observed.
type Oracle interface {
	Price(ctx context.Context) (model.PriceSample, error)
}

// HTTPOracle polls a JSON price endpoint.
//
// Expected body: {"price":"123.45","timestamp":1700000000}. The timestamp
// is unix seconds and optional; when absent the local clock is used.
type HTTPOracle struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewHTTPOracle creates an oracle client allowing at most perSecond
// requests per second.
func NewHTTPOracle(url string, perSecond float64, timeout time.Duration) *HTTPOracle {
	if perSecond <= 0 {
		perSecond = 5
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOracle{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		now:     time.Now,
	}
}

type priceBody struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// Price implements Oracle.
func (o *HTTPOracle) Price(ctx context.Context) (model.PriceSample, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return model.PriceSample{}, fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return model.PriceSample{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return model.PriceSample{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.PriceSample{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body priceBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.PriceSample{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if !body.Price.IsPositive() {
		return model.PriceSample{}, fmt.Errorf("%w: non-positive price %s", ErrUnavailable, body.Price)
	}

	ts := o.now().UTC()
	if body.Timestamp > 0 {
		ts = time.Unix(body.Timestamp, 0).UTC()
	}
	return model.PriceSample{Price: body.Price, Time: ts}, nil
}

// Static is a settable oracle for tests and local runs.
type Static struct {
	mu     sync.Mutex
	sample model.PriceSample
	err    error
}

// NewStatic returns an oracle that reports price at the current time.
func NewStatic(price decimal.Decimal) *Static {
	return &Static{sample: model.PriceSample{Price: price}}
}

// Set replaces the reported sample. A zero time means "now" at read time.
func (s *Static) Set(price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample = model.PriceSample{Price: price, Time: at}
	s.err = nil
}

// Fail makes subsequent reads return ErrUnavailable.
func (s *Static) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = ErrUnavailable
}

// Price implements Oracle.
func (s *Static) Price(_ context.Context) (model.PriceSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.PriceSample{}, s.err
	}
	out := s.sample
	if out.Time.IsZero() {
		out.Time = time.Now().UTC()
	}
	return out, nil
}

var (
	_ Oracle = (*HTTPOracle)(nil)
	_ Oracle = (*Static)(nil)
)
