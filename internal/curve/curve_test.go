package curve

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// 0.1 SOL per share at full pool, in lamports.
var testScale = decimal.NewFromInt(100_000_000)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	c, err := New(testScale, d(1000))
	if err != nil {
		t.Fatalf("new curve: %v", err)
	}
	l, err := NewLedger(c, d(10000))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

// --- Constructor tests ---

func TestNew_InvalidScale(t *testing.T) {
	for _, s := range []float64{0, -1} {
		if _, err := New(d(s), d(1)); err != ErrInvalidScale {
			t.Errorf("scale=%v: expected ErrInvalidScale, got %v", s, err)
		}
	}
}

func TestNewLedger_InvalidBaseline(t *testing.T) {
	c, _ := New(testScale, d(1))
	if _, err := NewLedger(c, d(0)); err != ErrInvalidBaseline {
		t.Errorf("expected ErrInvalidBaseline, got %v", err)
	}
}

// --- Price function tests ---

func TestQuote_InitiallyHalfScale(t *testing.T) {
	l := newTestLedger(t)
	want := d(50_000_000)
	for _, dir := range []model.Direction{model.Up, model.Down} {
		if got := l.Quote(dir); !got.Equal(want) {
			t.Errorf("%s: expected %s, got %s", dir, want, got)
		}
	}
}

func TestPrice_FlooredAtMinTick(t *testing.T) {
	c, _ := New(testScale, d(1000))
	p := c.Price(d(0.000001), d(1_000_000_000))
	if !p.Equal(d(1000)) {
		t.Errorf("expected min tick 1000, got %s", p)
	}
}

func TestApply_FirstWagerScenario(t *testing.T) {
	l := newTestLedger(t)

	// 10 SOL at 0.05 SOL/share -> 200 shares.
	price, shares, err := l.Apply(model.Up, decimal.NewFromInt(10_000_000_000))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !price.Equal(d(50_000_000)) {
		t.Errorf("expected price 5e7, got %s", price)
	}
	if !shares.Equal(d(200)) {
		t.Errorf("expected 200 shares, got %s", shares)
	}
}

func TestApply_BuyingSideRaisesItsPrice(t *testing.T) {
	l := newTestLedger(t)
	before := l.Quote(model.Up)
	otherBefore := l.Quote(model.Down)

	if _, _, err := l.Apply(model.Up, decimal.NewFromInt(50_000_000_000)); err != nil {
		t.Fatal(err)
	}
	if !l.Quote(model.Up).GreaterThan(before) {
		t.Errorf("UP price should rise: before=%s after=%s", before, l.Quote(model.Up))
	}
	if !l.Quote(model.Down).LessThan(otherBefore) {
		t.Errorf("DOWN price should fall: before=%s after=%s", otherBefore, l.Quote(model.Down))
	}
}

func TestApply_RejectsNonPositive(t *testing.T) {
	l := newTestLedger(t)
	for _, a := range []float64{0, -5} {
		if _, _, err := l.Apply(model.Up, d(a)); err != ErrInvalidAmount {
			t.Errorf("amount=%v: expected ErrInvalidAmount, got %v", a, err)
		}
	}
}

// Each grant equals amount / price quoted immediately before it, and the
// pool equals baseline plus the sum of grants.
func TestApply_SharesMatchPriorQuote(t *testing.T) {
	l := newTestLedger(t)
	wagers := []struct {
		dir    model.Direction
		amount int64
	}{
		{model.Up, 1_000_000_000},
		{model.Down, 3_000_000_000},
		{model.Up, 250_000_000},
		{model.Up, 7_000_000_000},
		{model.Down, 10_000},
	}

	granted := map[model.Direction]decimal.Decimal{model.Up: decimal.Zero, model.Down: decimal.Zero}
	for _, w := range wagers {
		quoted := l.Quote(w.dir)
		price, shares, err := l.Apply(w.dir, decimal.NewFromInt(w.amount))
		if err != nil {
			t.Fatal(err)
		}
		if !price.Equal(quoted) {
			t.Errorf("price %s != prior quote %s", price, quoted)
		}
		want := decimal.NewFromInt(w.amount).DivRound(quoted, PriceScale)
		if !shares.Equal(want) {
			t.Errorf("shares %s != amount/quote %s", shares, want)
		}
		granted[w.dir] = granted[w.dir].Add(shares)
	}

	pool := l.Pool()
	if !pool.Up.Equal(d(10000).Add(granted[model.Up])) {
		t.Errorf("up pool %s != baseline + %s", pool.Up, granted[model.Up])
	}
	if !pool.Down.Equal(d(10000).Add(granted[model.Down])) {
		t.Errorf("down pool %s != baseline + %s", pool.Down, granted[model.Down])
	}
}

func TestApply_ConcurrentWagersNeverSharePrice(t *testing.T) {
	l := newTestLedger(t)
	const n = 50

	var wg sync.WaitGroup
	prices := make([]decimal.Decimal, n)
	shares := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prices[i], shares[i], _ = l.Apply(model.Up, decimal.NewFromInt(1_000_000_000))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	total := decimal.Zero
	for i := range prices {
		if seen[prices[i].String()] {
			t.Errorf("two wagers observed the same pre-trade price %s", prices[i])
		}
		seen[prices[i].String()] = true
		total = total.Add(shares[i])
	}
	if !l.Pool().Up.Equal(d(10000).Add(total)) {
		t.Errorf("pool %s != baseline + %s", l.Pool().Up, total)
	}
}

func TestReset_ReturnsToBaseline(t *testing.T) {
	l := newTestLedger(t)
	l.Apply(model.Down, decimal.NewFromInt(5_000_000_000))
	l.Reset()
	pool := l.Pool()
	if !pool.Up.Equal(d(10000)) || !pool.Down.Equal(d(10000)) {
		t.Errorf("expected baseline pool, got %+v", pool)
	}
}

func TestRestore_ZeroFallsBackToBaseline(t *testing.T) {
	l := newTestLedger(t)
	l.Restore(model.PoolShares{Up: d(12345)})
	pool := l.Pool()
	if !pool.Up.Equal(d(12345)) || !pool.Down.Equal(d(10000)) {
		t.Errorf("unexpected restored pool %+v", pool)
	}
}

func TestPreview_LeavesPoolUntouched(t *testing.T) {
	l := newTestLedger(t)
	amount := decimal.NewFromInt(10_000_000_000)

	price, shares, next, err := l.Preview(model.Up, amount)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pool := l.Pool(); !pool.Up.Equal(d(10000)) {
		t.Fatalf("preview moved the pool: %+v", pool)
	}

	l.Restore(next)
	applied := newTestLedger(t)
	gotPrice, gotShares, err := applied.Apply(model.Up, amount)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !gotPrice.Equal(price) || !gotShares.Equal(shares) {
		t.Errorf("preview %s/%s differs from apply %s/%s", price, shares, gotPrice, gotShares)
	}
	if !l.Pool().Up.Equal(applied.Pool().Up) {
		t.Errorf("committed preview pool %s, apply pool %s", l.Pool().Up, applied.Pool().Up)
	}
}
