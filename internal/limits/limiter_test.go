package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheck_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(10), d(1000), d(5000), d(50000))

	err := limiter.Check(d(100), Exposure{})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheck_Errors(t *testing.T) {
	limiter := NewLimiter(d(10), d(1000), d(5000), d(50000))

	tests := []struct {
		name   string
		amount float64
		exp    Exposure
		want   error
	}{
		{"below minimum", 5, Exposure{}, ErrBelowMinimum},
		{"above maximum", 1001, Exposure{}, ErrAboveMaximum},
		{"user cap", 500, Exposure{User: d(4600)}, ErrUserLimitExceeded},
		{"side cap", 500, Exposure{Side: d(49600)}, ErrSideLimitExceeded},
		{"user cap exactly reached", 400, Exposure{User: d(4600)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := limiter.Check(d(tt.amount), tt.exp); err != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCheck_ZeroCapsDisabled(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)

	err := limiter.Check(d(1e12), Exposure{User: d(1e12), Side: d(1e12)})
	if err != nil {
		t.Errorf("expected no error with disabled caps, got %v", err)
	}
}
