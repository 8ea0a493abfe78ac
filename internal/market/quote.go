package market

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/cpmm"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// Quotes are read-only and non-transactional: they tolerate staleness
// and never mutate state. They do mirror every execute-time guard
// (amount-too-small, below-minimum, liquidity, impact bound), so a quote
// that succeeds describes a trade that would have succeeded against the
// same snapshot.

// QuoteBuy simulates buying shares with a USD amount.
func (e *Engine) QuoteBuy(ctx context.Context, eventID, outcomeID int64, usdAmount decimal.Decimal) (*model.Quote, error) {
	if usdAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrAmountTooSmall
	}

	state, err := loadState(ctx, e.store, eventID)
	if err != nil {
		return nil, err
	}
	idx := state.index(outcomeID)
	if idx < 0 {
		return nil, fmt.Errorf("outcome %d: %w", outcomeID, store.ErrNotFound)
	}

	pricesBefore := cpmm.Prices(state.Shares)
	fee := cpmm.Fee(usdAmount)
	net := usdAmount.Sub(fee)
	shares := cpmm.SharesForAmount(net, pricesBefore[idx])
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, ErrAmountTooSmall
	}

	pricesAfter := cpmm.Prices(state.sharesWith(idx, shares))
	impacts := cpmm.Impacts(state.Outcomes, pricesBefore, pricesAfter)
	if err := e.limiter.Check(impacts[idx].Impact); err != nil {
		return nil, err
	}

	return &model.Quote{
		UsdAmount:     usdAmount,
		Shares:        shares,
		PricePerShare: usdAmount.Div(shares),
		PriceImpact:   impacts[idx].Impact,
		TotalFee:      fee,
		AfterFees:     net,
		NewPrice:      impacts[idx].AfterPrice,
	}, nil
}

// QuoteSell simulates selling shares for USD.
func (e *Engine) QuoteSell(ctx context.Context, eventID, outcomeID int64, sharesToSell decimal.Decimal) (*model.Quote, error) {
	if sharesToSell.LessThanOrEqual(decimal.Zero) {
		return nil, ErrAmountTooSmall
	}

	state, err := loadState(ctx, e.store, eventID)
	if err != nil {
		return nil, err
	}
	idx := state.index(outcomeID)
	if idx < 0 {
		return nil, fmt.Errorf("outcome %d: %w", outcomeID, store.ErrNotFound)
	}

	if state.Shares[idx].Sub(sharesToSell).LessThan(cpmm.MinShares) {
		return nil, ErrBelowMinimumShares
	}

	pricesBefore := cpmm.Prices(state.Shares)
	returnAmount := sharesToSell.Mul(pricesBefore[idx])
	fee := cpmm.Fee(returnAmount)
	net := returnAmount.Sub(fee)

	if state.Outcomes[idx].TotalLiquidity.LessThan(net) {
		return nil, ErrInsufficientLiquidity
	}

	pricesAfter := cpmm.Prices(state.sharesWith(idx, sharesToSell.Neg()))
	impacts := cpmm.Impacts(state.Outcomes, pricesBefore, pricesAfter)
	if err := e.limiter.Check(impacts[idx].Impact); err != nil {
		return nil, err
	}

	return &model.Quote{
		UsdAmount:     returnAmount,
		Shares:        sharesToSell,
		PricePerShare: returnAmount.Div(sharesToSell),
		PriceImpact:   impacts[idx].Impact,
		TotalFee:      fee,
		AfterFees:     net,
		NewPrice:      impacts[idx].AfterPrice,
	}, nil
}
