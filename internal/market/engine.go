// Package market implements the CPMM trading core: the transactional
// trade executor, the read-only quote engine, and the market lifecycle
// manager.
//
// Every Buy/Sell runs inside a single store transaction; all concurrency
// control is delegated to the store's isolation level. The engine holds
// no locks and never retries — callers retry on store.ErrConflict /
// store.ErrTimeout.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/cpmm"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// Engine executes trades and manages market lifecycle against a Store.
type Engine struct {
	store   store.Store
	limiter *ImpactLimiter
}

// NewEngine creates an engine with the default price-impact bound.
func NewEngine(st store.Store) *Engine {
	return &Engine{
		store:   st,
		limiter: NewImpactLimiter(cpmm.MaxPriceImpact),
	}
}

// Buy purchases shares of an outcome for a USD playmoney amount.
//
// The whole operation is one atomic transaction: balance check, quote
// arithmetic against a pre-trade price snapshot, impact bound, balance
// and pool mutation, fee distribution, trade record, and position
// upsert. Any error rolls everything back.
func (e *Engine) Buy(ctx context.Context, eventID, outcomeID, userID int64, amount decimal.Decimal) (*model.TradeResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrAmountTooSmall
	}

	var result *model.TradeResult
	err := e.store.InTx(ctx, func(tx store.Store) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Playmoney.LessThan(amount) {
			return ErrInsufficientBalance
		}

		state, err := loadState(ctx, tx, eventID)
		if err != nil {
			return err
		}
		idx := state.index(outcomeID)
		if idx < 0 {
			return fmt.Errorf("outcome %d: %w", outcomeID, store.ErrNotFound)
		}

		// All proceeds arithmetic uses the pre-trade snapshot so the
		// trade's cost never depends on its own output.
		pricesBefore := cpmm.Prices(state.Shares)
		fee := cpmm.Fee(amount)
		net := amount.Sub(fee)
		sharesToBuy := cpmm.SharesForAmount(net, pricesBefore[idx])
		if sharesToBuy.LessThanOrEqual(decimal.Zero) {
			return ErrAmountTooSmall
		}

		pricesAfter := cpmm.Prices(state.sharesWith(idx, sharesToBuy))
		impacts := cpmm.Impacts(state.Outcomes, pricesBefore, pricesAfter)
		if err := e.limiter.Check(impacts[idx].Impact); err != nil {
			return err
		}

		if err := tx.AdjustUserBalance(ctx, userID, amount.Neg()); err != nil {
			return err
		}
		if err := tx.AdjustOutcome(ctx, outcomeID, sharesToBuy, net); err != nil {
			return err
		}
		if err := e.distributeFee(ctx, tx, state.Outcomes, fee); err != nil {
			return err
		}

		if err := tx.InsertTrade(ctx, &model.Trade{
			OrderType:  model.OrderBuy,
			OrderSize:  sharesToBuy,
			Amount:     amount,
			EventID:    eventID,
			OutcomeID:  outcomeID,
			UserID:     userID,
			AfterPrice: impacts[idx].AfterPrice,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := tx.UpsertAllocation(ctx, userID, outcomeID, sharesToBuy); err != nil {
			return err
		}

		result = &model.TradeResult{
			Shares:       sharesToBuy,
			Cost:         amount,
			PriceImpacts: impacts,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Sell liquidates shares of an outcome back into playmoney at the
// pre-trade price, inside one atomic transaction.
func (e *Engine) Sell(ctx context.Context, eventID, outcomeID, userID int64, sharesToSell decimal.Decimal) (*model.TradeResult, error) {
	if sharesToSell.LessThanOrEqual(decimal.Zero) {
		return nil, ErrAmountTooSmall
	}

	var result *model.TradeResult
	err := e.store.InTx(ctx, func(tx store.Store) error {
		// Only an absent row means the user holds nothing; any other
		// store failure (conflict, timeout) must surface unchanged so
		// the caller's retry policy can see it.
		alloc, err := tx.GetAllocation(ctx, userID, outcomeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInsufficientShares
			}
			return err
		}
		if alloc.Amount.LessThan(sharesToSell) {
			return ErrInsufficientShares
		}

		state, err := loadState(ctx, tx, eventID)
		if err != nil {
			return err
		}
		idx := state.index(outcomeID)
		if idx < 0 {
			return fmt.Errorf("outcome %d: %w", outcomeID, store.ErrNotFound)
		}

		pricesBefore := cpmm.Prices(state.Shares)
		if state.Shares[idx].Sub(sharesToSell).LessThan(cpmm.MinShares) {
			return ErrBelowMinimumShares
		}

		pricesAfter := cpmm.Prices(state.sharesWith(idx, sharesToSell.Neg()))

		returnAmount := sharesToSell.Mul(pricesBefore[idx])
		fee := cpmm.Fee(returnAmount)
		net := returnAmount.Sub(fee)

		// Payout comes from the outcome's own pool; the stored (unclamped)
		// liquidity is what actually backs it.
		if state.Outcomes[idx].TotalLiquidity.LessThan(net) {
			return ErrInsufficientLiquidity
		}

		impacts := cpmm.Impacts(state.Outcomes, pricesBefore, pricesAfter)
		if err := e.limiter.Check(impacts[idx].Impact); err != nil {
			return err
		}

		if err := tx.AdjustOutcome(ctx, outcomeID, sharesToSell.Neg(), net.Neg()); err != nil {
			return err
		}
		if err := e.distributeFee(ctx, tx, state.Outcomes, fee); err != nil {
			return err
		}
		if err := tx.AdjustUserBalance(ctx, userID, net); err != nil {
			return err
		}
		if err := tx.UpsertAllocation(ctx, userID, outcomeID, sharesToSell.Neg()); err != nil {
			return err
		}

		if err := tx.InsertTrade(ctx, &model.Trade{
			OrderType:  model.OrderSell,
			OrderSize:  sharesToSell,
			Amount:     net,
			EventID:    eventID,
			OutcomeID:  outcomeID,
			UserID:     userID,
			AfterPrice: impacts[idx].AfterPrice,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}

		result = &model.TradeResult{
			Shares:       sharesToSell,
			Cost:         net,
			PriceImpacts: impacts,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// distributeFee adds an equal share of the fee to every outcome's
// liquidity pool. The traded outcome is included on purpose — it earns
// both its direct proceeds and its fee share; excluding it would change
// the AMM economics.
func (e *Engine) distributeFee(ctx context.Context, tx store.Store, outcomes []model.Outcome, fee decimal.Decimal) error {
	feePerOutcome := fee.Div(decimal.NewFromInt(int64(len(outcomes))))
	for _, o := range outcomes {
		if err := tx.AdjustOutcome(ctx, o.ID, decimal.Zero, feePerOutcome); err != nil {
			return err
		}
	}
	return nil
}

// InitializeMarket seeds every outcome of an event with equal share and
// liquidity pools. Destructive: prior pool state is overwritten, so this
// is intended for first-time setup only.
func (e *Engine) InitializeMarket(ctx context.Context, eventID int64) ([]model.OutcomePrice, error) {
	err := e.store.InTx(ctx, func(tx store.Store) error {
		outcomes, err := tx.ListOutcomesByEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if len(outcomes) == 0 {
			return fmt.Errorf("event %d outcomes: %w", eventID, store.ErrNotFound)
		}
		for _, o := range outcomes {
			if err := tx.SetOutcomePools(ctx, o.ID, cpmm.MinShares, cpmm.InitialLiquidity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.Prices(ctx, eventID)
}

// Prices returns the event's full price vector with pool sizes.
func (e *Engine) Prices(ctx context.Context, eventID int64) ([]model.OutcomePrice, error) {
	state, err := loadState(ctx, e.store, eventID)
	if err != nil {
		return nil, err
	}
	prices := cpmm.Prices(state.Shares)

	out := make([]model.OutcomePrice, len(state.Outcomes))
	for i, o := range state.Outcomes {
		out[i] = model.OutcomePrice{
			OutcomeID:      o.ID,
			Title:          o.Title,
			Price:          prices[i],
			CurrentSupply:  o.CurrentSupply,
			TotalLiquidity: o.TotalLiquidity,
		}
	}
	return out, nil
}

// OutcomePrice returns the price row for one outcome.
func (e *Engine) OutcomePrice(ctx context.Context, eventID, outcomeID int64) (*model.OutcomePrice, error) {
	prices, err := e.Prices(ctx, eventID)
	if err != nil {
		return nil, err
	}
	for i := range prices {
		if prices[i].OutcomeID == outcomeID {
			return &prices[i], nil
		}
	}
	return nil, fmt.Errorf("outcome %d: %w", outcomeID, store.ErrNotFound)
}
