package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/model"
)

func TestHTTPOracle_Price(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"price":"142.37","timestamp":1700000060}`))
	}))
	defer srv.Close()

	s, err := NewHTTPOracle(srv.URL, 100, time.Second).Price(context.Background())
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if !s.Price.Equal(decimal.RequireFromString("142.37")) {
		t.Errorf("price = %s, want 142.37", s.Price)
	}
	if s.Time.Unix() != 1700000060 {
		t.Errorf("time = %d, want 1700000060", s.Time.Unix())
	}
}

func TestHTTPOracle_Unavailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusServiceUnavailable, `{}`},
		{"bad json", http.StatusOK, `not json`},
		{"zero price", http.StatusOK, `{"price":"0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPOracle(srv.URL, 100, time.Second).Price(context.Background())
			if !errors.Is(err, ErrUnavailable) {
				t.Errorf("err = %v, want ErrUnavailable", err)
			}
		})
	}
}

func TestPoller_SkipsFailedFetch(t *testing.T) {
	o := NewStatic(decimal.NewFromInt(100))

	var mu sync.Mutex
	var got []model.PriceSample
	p := NewPoller(o, func(_ context.Context, s model.PriceSample) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
		return nil
	}, time.Millisecond)

	ctx := context.Background()
	p.Poll(ctx)
	o.Fail()
	p.Poll(ctx)
	o.Set(decimal.NewFromInt(105), time.Unix(1700000000, 0))
	p.Poll(ctx)

	if len(got) != 2 {
		t.Fatalf("ticks = %d, want 2", len(got))
	}
	if !got[1].Price.Equal(decimal.NewFromInt(105)) {
		t.Errorf("second tick price = %s, want 105", got[1].Price)
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(NewStatic(decimal.NewFromInt(1)), func(context.Context, model.PriceSample) error {
		cancel()
		return nil
	}, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
