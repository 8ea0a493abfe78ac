package market

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/cpmm"
)

// ErrImpactTooHigh is returned when a trade would move the traded
// outcome's price beyond the allowed bound. The caller should retry
// with a smaller size.
var ErrImpactTooHigh = errors.New("market: price impact too high - try a smaller amount")

// ImpactLimiter bounds how far a single trade may move the traded
// outcome's price. Both buys and sells are checked against the same
// symmetric bound on |impact|.
type ImpactLimiter struct {
	// MaxImpact is the largest allowed absolute price move, as a
	// fraction (0.5 = 50%).
	MaxImpact decimal.Decimal
}

// NewImpactLimiter creates a limiter with the given bound. A
// non-positive bound falls back to the CPMM default.
func NewImpactLimiter(maxImpact decimal.Decimal) *ImpactLimiter {
	if maxImpact.LessThanOrEqual(decimal.Zero) {
		maxImpact = cpmm.MaxPriceImpact
	}
	return &ImpactLimiter{MaxImpact: maxImpact}
}

// Check validates a signed percentage impact (as produced by
// cpmm.Impacts) against the bound.
func (l *ImpactLimiter) Check(impactPercent decimal.Decimal) error {
	limit := l.MaxImpact.Mul(decimal.NewFromInt(100))
	if impactPercent.Abs().GreaterThan(limit) {
		return ErrImpactTooHigh
	}
	return nil
}
