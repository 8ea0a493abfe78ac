package market

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestImpactLimiter_Check(t *testing.T) {
	l := NewImpactLimiter(decimal.NewFromFloat(0.5))

	cases := []struct {
		impact float64
		ok     bool
	}{
		{0, true},
		{49.99, true},
		{50, true},
		{-50, true},
		{50.01, false},
		{-50.01, false},
		{99.5, false},
	}
	for _, tc := range cases {
		err := l.Check(decimal.NewFromFloat(tc.impact))
		if tc.ok && err != nil {
			t.Errorf("Check(%v) = %v, want nil", tc.impact, err)
		}
		if !tc.ok && !errors.Is(err, ErrImpactTooHigh) {
			t.Errorf("Check(%v) = %v, want ErrImpactTooHigh", tc.impact, err)
		}
	}
}

func TestNewImpactLimiter_DefaultsOnNonPositive(t *testing.T) {
	l := NewImpactLimiter(decimal.Zero)
	if !l.MaxImpact.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("MaxImpact = %s, want 0.5", l.MaxImpact)
	}
}
