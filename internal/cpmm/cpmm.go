// Package cpmm implements the constant-product-style automated market
// maker used for multi-outcome prediction markets.
//
// The model is share-pool based:
//   - Each outcome holds a pool of shares.
//   - An outcome's price is its pool divided by the sum of all pools,
//     clamped into [MinPrice, MaxPrice] and renormalized to sum to 1.
//   - Buying adds shares to the traded outcome's pool; selling removes
//     them; prices follow from the new distribution.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Every function here is pure; persistent state is passed in as
// arguments, never stored.
package cpmm

import (
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
)

var (
	// FeeRate is the fee charged on every trade (2%), redistributed as
	// liquidity across all outcomes of the event.
	FeeRate = decimal.NewFromFloat(0.02)

	// InitialLiquidity is the USD-equivalent liquidity seeded per outcome
	// when a market is initialized.
	InitialLiquidity = decimal.NewFromInt(100)

	// MinShares is the floor each outcome's share pool is clamped to when
	// read. Keeps every price strictly positive.
	MinShares = decimal.NewFromInt(1)

	// MaxPriceImpact is the largest allowed |price move| for the traded
	// outcome, as a fraction (0.5 = 50%).
	MaxPriceImpact = decimal.NewFromFloat(0.5)

	// MinPrice is the lowest allowed price (probability floor).
	// Prevents degenerate markets where shares become worthless.
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest allowed price (probability ceiling).
	// Prevents degenerate markets where an outcome appears "certain".
	MaxPrice = decimal.NewFromFloat(0.999)
)

var oneHundred = decimal.NewFromInt(100)

// Prices computes the normalized price vector for a share-pool vector.
//
//	raw_i = shares_i / Σ shares
//
// Raw prices are clamped into [MinPrice, MaxPrice] and the clamped
// vector is renormalized so it sums to exactly 1. The result has the
// same length as the input; every entry is strictly inside (0, 1).
// An all-zero vector prices every outcome equally.
func Prices(shares []decimal.Decimal) []decimal.Decimal {
	if len(shares) == 0 {
		return nil
	}

	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s)
	}

	// A fully drained pool carries no information; treat it as uniform
	// rather than dividing by zero.
	var uniform decimal.Decimal
	if total.IsZero() {
		uniform = decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(shares))))
	}

	prices := make([]decimal.Decimal, len(shares))
	clampedSum := decimal.Zero
	for i, s := range shares {
		p := uniform
		if !total.IsZero() {
			p = s.Div(total)
		}
		if p.LessThan(MinPrice) {
			p = MinPrice
		}
		if p.GreaterThan(MaxPrice) {
			p = MaxPrice
		}
		prices[i] = p
		clampedSum = clampedSum.Add(p)
	}

	for i := range prices {
		prices[i] = prices[i].Div(clampedSum)
	}
	return prices
}

// Fee returns the fee charged on a USD amount.
func Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(FeeRate)
}

// SharesForAmount returns how many whole shares a net USD amount buys at
// the given price: floor(net / price).
func SharesForAmount(net, price decimal.Decimal) decimal.Decimal {
	return net.Div(price).Floor()
}

// Impacts computes the signed percentage price move per outcome between
// two price vectors taken before and after a trade:
//
//	impact_i = (after_i - before_i) / before_i * 100
//
// Division by zero is impossible because Prices bounds every price away
// from zero.
func Impacts(outcomes []model.Outcome, before, after []decimal.Decimal) []model.PriceImpact {
	impacts := make([]model.PriceImpact, len(before))
	for i := range before {
		impacts[i] = model.PriceImpact{
			OutcomeID:   outcomes[i].ID,
			Title:       outcomes[i].Title,
			BeforePrice: before[i],
			AfterPrice:  after[i],
			Impact:      after[i].Sub(before[i]).Div(before[i]).Mul(oneHundred),
		}
	}
	return impacts
}

// ClampSupply applies the read-time share floor: max(supply, MinShares).
// The floor is a read-time clamp, not a stored invariant — stored supply
// may sit below the floor, the pricing path never sees it.
func ClampSupply(supply decimal.Decimal) decimal.Decimal {
	if supply.LessThan(MinShares) {
		return MinShares
	}
	return supply
}
