package market_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/cpmm"
	"github.com/openpredict/market-engine/internal/market"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	engine *market.Engine
	store  *store.MemoryStore
	user   *model.User
	event  *model.Event
	a, b   *model.Outcome // two seeded outcomes
}

// newTestEnv seeds a user with the given balance and a two-outcome event
// initialized to the standard equal pools (supply=1, liquidity=100).
func newTestEnv(t *testing.T, balance decimal.Decimal) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	user := &model.User{WalletAddress: "tb1qtestwallet", Playmoney: balance}
	if err := ms.CreateUser(ctx, user); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	ev := &model.Event{
		UniqueID:   "btc-above-100k",
		Question:   "Will BTC close above $100k?",
		Status:     model.EventActive,
		ExpiryDate: time.Now().Add(24 * time.Hour).UTC(),
		UserID:     user.ID,
		CreatedAt:  time.Now().UTC(),
	}
	outcomes := []*model.Outcome{{Title: "Yes"}, {Title: "No"}}
	if err := ms.CreateEvent(ctx, ev, outcomes); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	eng := market.NewEngine(ms)
	if _, err := eng.InitializeMarket(ctx, ev.ID); err != nil {
		t.Fatalf("initialize market: %v", err)
	}

	return &testEnv{
		engine: eng,
		store:  ms,
		user:   user,
		event:  ev,
		a:      outcomes[0],
		b:      outcomes[1],
	}
}

// seedPools overwrites both outcomes' pools so tests can trade sizes the
// freshly initialized market would reject on impact.
func (env *testEnv) seedPools(t *testing.T, supply, liquidity decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	for _, o := range []*model.Outcome{env.a, env.b} {
		if err := env.store.SetOutcomePools(ctx, o.ID, supply, liquidity); err != nil {
			t.Fatalf("seed pools: %v", err)
		}
	}
}

func (env *testEnv) outcome(t *testing.T, id int64) model.Outcome {
	t.Helper()
	outcomes, err := env.store.ListOutcomesByEvent(context.Background(), env.event.ID)
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	for _, o := range outcomes {
		if o.ID == id {
			return o
		}
	}
	t.Fatalf("outcome %d not found", id)
	return model.Outcome{}
}

func (env *testEnv) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	u, err := env.store.GetUser(context.Background(), env.user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.Playmoney
}

// --- Lifecycle ---

func TestInitializeMarket_SeedsEqualPools(t *testing.T) {
	env := newTestEnv(t, d(1000))

	for _, o := range []*model.Outcome{env.a, env.b} {
		got := env.outcome(t, o.ID)
		if !got.CurrentSupply.Equal(cpmm.MinShares) {
			t.Errorf("supply = %s, want %s", got.CurrentSupply, cpmm.MinShares)
		}
		if !got.TotalLiquidity.Equal(cpmm.InitialLiquidity) {
			t.Errorf("liquidity = %s, want %s", got.TotalLiquidity, cpmm.InitialLiquidity)
		}
	}

	prices, err := env.engine.Prices(context.Background(), env.event.ID)
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	for _, p := range prices {
		if !p.Price.Equal(d(0.5)) {
			t.Errorf("price for %s = %s, want 0.5", p.Title, p.Price)
		}
	}
}

func TestInitializeMarket_NoOutcomes(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	eng := market.NewEngine(ms)

	_, err := eng.InitializeMarket(ctx, 12345)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Buy ---

func TestBuy_MutatesExactDeltas(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(1000), d(1000))
	ctx := context.Background()

	// price=0.5, fee=4, net=196, shares=floor(196/0.5)=392.
	res, err := env.engine.Buy(ctx, env.event.ID, env.a.ID, env.user.ID, d(200))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	if !res.Shares.Equal(d(392)) {
		t.Errorf("shares = %s, want 392", res.Shares)
	}
	if !res.Cost.Equal(d(200)) {
		t.Errorf("cost = %s, want 200", res.Cost)
	}

	// Balance decreases by exactly the USD amount.
	if got := env.balance(t); !got.Equal(d(800)) {
		t.Errorf("balance = %s, want 800", got)
	}

	// Traded outcome: supply +392, liquidity +196 (net) +2 (fee share).
	a := env.outcome(t, env.a.ID)
	if !a.CurrentSupply.Equal(d(1392)) {
		t.Errorf("supply A = %s, want 1392", a.CurrentSupply)
	}
	if !a.TotalLiquidity.Equal(d(1198)) {
		t.Errorf("liquidity A = %s, want 1198", a.TotalLiquidity)
	}

	// Other outcome: only the fee share.
	b := env.outcome(t, env.b.ID)
	if !b.CurrentSupply.Equal(d(1000)) {
		t.Errorf("supply B = %s, want 1000", b.CurrentSupply)
	}
	if !b.TotalLiquidity.Equal(d(1002)) {
		t.Errorf("liquidity B = %s, want 1002", b.TotalLiquidity)
	}

	// Allocation created with the bought amount.
	alloc, err := env.store.GetAllocation(ctx, env.user.ID, env.a.ID)
	if err != nil {
		t.Fatalf("get allocation: %v", err)
	}
	if !alloc.Amount.Equal(d(392)) {
		t.Errorf("allocation = %s, want 392", alloc.Amount)
	}

	// Trade record appended.
	trades, err := env.store.ListTradesByUser(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.OrderType != model.OrderBuy {
		t.Errorf("order type = %s, want BUY", tr.OrderType)
	}
	if !tr.OrderSize.Equal(d(392)) || !tr.Amount.Equal(d(200)) {
		t.Errorf("trade size/amount = %s/%s, want 392/200", tr.OrderSize, tr.Amount)
	}
	if tr.AfterPrice.LessThanOrEqual(d(0.5)) {
		t.Errorf("after price should rise above 0.5, got %s", tr.AfterPrice)
	}
}

func TestBuy_FeeConservation(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(1000), d(1000))
	ctx := context.Background()

	if _, err := env.engine.Buy(ctx, env.event.ID, env.a.ID, env.user.ID, d(200)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	// Total liquidity delta = net + fee = the full USD amount.
	a := env.outcome(t, env.a.ID)
	b := env.outcome(t, env.b.ID)
	total := a.TotalLiquidity.Add(b.TotalLiquidity)
	if !total.Equal(d(2200)) {
		t.Errorf("total liquidity = %s, want 2200 (no fee leakage)", total)
	}
}

func TestBuy_SecondBuyIncrementsAllocation(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(1000), d(1000))
	ctx := context.Background()

	if _, err := env.engine.Buy(ctx, env.event.ID, env.a.ID, env.user.ID, d(100)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	first, _ := env.store.GetAllocation(ctx, env.user.ID, env.a.ID)

	res, err := env.engine.Buy(ctx, env.event.ID, env.a.ID, env.user.ID, d(100))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}

	alloc, _ := env.store.GetAllocation(ctx, env.user.ID, env.a.ID)
	if !alloc.Amount.Equal(first.Amount.Add(res.Shares)) {
		t.Errorf("allocation = %s, want %s", alloc.Amount, first.Amount.Add(res.Shares))
	}
}

func TestBuy_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t, d(50))
	env.seedPools(t, d(1000), d(1000))

	_, err := env.engine.Buy(context.Background(), env.event.ID, env.a.ID, env.user.ID, d(200))
	if !errors.Is(err, market.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := env.balance(t); !got.Equal(d(50)) {
		t.Errorf("balance changed on rejected trade: %s", got)
	}
}

func TestBuy_UserNotFound(t *testing.T) {
	env := newTestEnv(t, d(1000))

	_, err := env.engine.Buy(context.Background(), env.event.ID, env.a.ID, 9999, d(10))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBuy_OutcomeNotFound(t *testing.T) {
	env := newTestEnv(t, d(1000))

	_, err := env.engine.Buy(context.Background(), env.event.ID, 9999, env.user.ID, d(10))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBuy_AmountTooSmall(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(1000), d(1000))

	// 0.4 USD → net 0.392 → floor(0.392/0.5) = 0 shares.
	_, err := env.engine.Buy(context.Background(), env.event.ID, env.a.ID, env.user.ID, d(0.4))
	if !errors.Is(err, market.ErrAmountTooSmall) {
		t.Errorf("expected ErrAmountTooSmall, got %v", err)
	}

	_, err = env.engine.Buy(context.Background(), env.event.ID, env.a.ID, env.user.ID, decimal.Zero)
	if !errors.Is(err, market.ErrAmountTooSmall) {
		t.Errorf("expected ErrAmountTooSmall for zero amount, got %v", err)
	}
}

func TestBuy_ImpactTooHigh_LeavesStateUnchanged(t *testing.T) {
	// Freshly initialized market: pools of 1 share each. A $200 buy
	// would add 392 shares and move the price from 0.5 to ~0.997 —
	// far beyond the 50% bound.
	env := newTestEnv(t, d(1000))
	ctx := context.Background()

	_, err := env.engine.Buy(ctx, env.event.ID, env.a.ID, env.user.ID, d(200))
	if !errors.Is(err, market.ErrImpactTooHigh) {
		t.Fatalf("expected ErrImpactTooHigh, got %v", err)
	}

	// Idempotence: nothing moved.
	if got := env.balance(t); !got.Equal(d(1000)) {
		t.Errorf("balance = %s, want 1000", got)
	}
	a := env.outcome(t, env.a.ID)
	if !a.CurrentSupply.Equal(cpmm.MinShares) || !a.TotalLiquidity.Equal(cpmm.InitialLiquidity) {
		t.Errorf("pools changed on rejected trade: %+v", a)
	}
	if _, err := env.store.GetAllocation(ctx, env.user.ID, env.a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("allocation created on rejected trade")
	}
	trades, _ := env.store.ListTradesByUser(ctx, env.user.ID)
	if len(trades) != 0 {
		t.Errorf("trade recorded on rejected trade")
	}
}

func TestBuy_SmallTradeOnFreshMarket(t *testing.T) {
	// One dollar buys exactly 1 share at 0.5 and stays inside the
	// impact bound on a fresh market (price moves to 2/3, +33%).
	env := newTestEnv(t, d(1000))

	res, err := env.engine.Buy(context.Background(), env.event.ID, env.a.ID, env.user.ID, d(1))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Shares.Equal(d(1)) {
		t.Errorf("shares = %s, want 1", res.Shares)
	}
}

// --- Sell ---

func TestSell_MutatesExactDeltas(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(1000), d(1000))
	ctx := context.Background()

	buy, err := env.engine.Buy(ctx, env.event.ID, env.a.ID, env.user.ID, d(200))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	balanceAfterBuy := env.balance(t)
	aAfterBuy := env.outcome(t, env.a.ID)

	res, err := env.engine.Sell(ctx, env.event.ID, env.a.ID, env.user.ID, buy.Shares)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	// Proceeds are priced at the pre-sell snapshot.
	priceBefore := res.PriceImpacts[0].BeforePrice
	returnAmount := buy.Shares.Mul(priceBefore)
	wantNet := returnAmount.Sub(returnAmount.Mul(cpmm.FeeRate))
	if !res.Cost.Equal(wantNet) {
		t.Errorf("sell proceeds = %s, want %s", res.Cost, wantNet)
	}

	// Supply back to its pre-buy level; never below MinShares.
	a := env.outcome(t, env.a.ID)
	if !a.CurrentSupply.Equal(aAfterBuy.CurrentSupply.Sub(buy.Shares)) {
		t.Errorf("supply A = %s, want %s", a.CurrentSupply, aAfterBuy.CurrentSupply.Sub(buy.Shares))
	}
	if a.CurrentSupply.LessThan(cpmm.MinShares) {
		t.Errorf("supply fell below minimum: %s", a.CurrentSupply)
	}

	// Balance credited with exactly the net proceeds.
	if got := env.balance(t); !got.Equal(balanceAfterBuy.Add(wantNet)) {
		t.Errorf("balance = %s, want %s", got, balanceAfterBuy.Add(wantNet))
	}

	// Allocation fully unwound.
	alloc, err := env.store.GetAllocation(ctx, env.user.ID, env.a.ID)
	if err != nil {
		t.Fatalf("get allocation: %v", err)
	}
	if !alloc.Amount.IsZero() {
		t.Errorf("allocation = %s, want 0", alloc.Amount)
	}

	// SELL record stores the net proceeds as its amount.
	trades, _ := env.store.ListTradesByUser(ctx, env.user.ID)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	sell := trades[1]
	if sell.OrderType != model.OrderSell {
		t.Errorf("order type = %s, want SELL", sell.OrderType)
	}
	if !sell.Amount.Equal(wantNet) {
		t.Errorf("trade amount = %s, want %s", sell.Amount, wantNet)
	}
}

func TestSell_InsufficientShares_NoWrites(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(1000), d(1000))
	ctx := context.Background()

	_, err := env.engine.Sell(ctx, env.event.ID, env.a.ID, env.user.ID, d(10))
	if !errors.Is(err, market.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	a := env.outcome(t, env.a.ID)
	if !a.CurrentSupply.Equal(d(1000)) || !a.TotalLiquidity.Equal(d(1000)) {
		t.Errorf("pools changed on rejected sell: %+v", a)
	}
	if got := env.balance(t); !got.Equal(d(1000)) {
		t.Errorf("balance changed on rejected sell: %s", got)
	}
}

func TestSell_MoreThanHeld(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(1000), d(1000))
	ctx := context.Background()

	buy, err := env.engine.Buy(ctx, env.event.ID, env.a.ID, env.user.ID, d(100))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	_, err = env.engine.Sell(ctx, env.event.ID, env.a.ID, env.user.ID, buy.Shares.Add(d(1)))
	if !errors.Is(err, market.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestSell_BelowMinimumShares(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(100), d(1000))
	ctx := context.Background()

	// Hand the user more shares than the pool can release.
	if err := env.store.UpsertAllocation(ctx, env.user.ID, env.a.ID, d(100)); err != nil {
		t.Fatalf("seed allocation: %v", err)
	}

	_, err := env.engine.Sell(ctx, env.event.ID, env.a.ID, env.user.ID, d(100))
	if !errors.Is(err, market.ErrBelowMinimumShares) {
		t.Errorf("expected ErrBelowMinimumShares, got %v", err)
	}
}

func TestSell_InsufficientLiquidity(t *testing.T) {
	env := newTestEnv(t, d(1000))
	ctx := context.Background()

	// Deep share pool but a nearly empty liquidity pool.
	if err := env.store.SetOutcomePools(ctx, env.a.ID, d(1000), d(1)); err != nil {
		t.Fatalf("seed pools: %v", err)
	}
	if err := env.store.SetOutcomePools(ctx, env.b.ID, d(1000), d(1000)); err != nil {
		t.Fatalf("seed pools: %v", err)
	}
	if err := env.store.UpsertAllocation(ctx, env.user.ID, env.a.ID, d(100)); err != nil {
		t.Fatalf("seed allocation: %v", err)
	}

	// 100 shares at 0.5 nets 49 — more than the pool's 1.
	_, err := env.engine.Sell(ctx, env.event.ID, env.a.ID, env.user.ID, d(100))
	if !errors.Is(err, market.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

// conflictAllocStore simulates an allocation read that loses a
// serialization conflict mid-transaction.
type conflictAllocStore struct {
	*store.MemoryStore
}

func (s *conflictAllocStore) GetAllocation(context.Context, int64, int64) (*model.TokenAllocation, error) {
	return nil, store.ErrConflict
}

func (s *conflictAllocStore) InTx(_ context.Context, fn func(store.Store) error) error {
	return fn(s)
}

func TestSell_RetryableStoreErrorsSurfaceUnchanged(t *testing.T) {
	env := newTestEnv(t, d(1000))
	eng := market.NewEngine(&conflictAllocStore{MemoryStore: env.store})

	_, err := eng.Sell(context.Background(), env.event.ID, env.a.ID, env.user.ID, d(10))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict to pass through, got %v", err)
	}
	if errors.Is(err, market.ErrInsufficientShares) {
		t.Error("retryable conflict must not be reported as insufficient shares")
	}
}

func TestSell_NonPositiveShares(t *testing.T) {
	env := newTestEnv(t, d(1000))

	_, err := env.engine.Sell(context.Background(), env.event.ID, env.a.ID, env.user.ID, d(-5))
	if !errors.Is(err, market.ErrAmountTooSmall) {
		t.Errorf("expected ErrAmountTooSmall, got %v", err)
	}
}

// --- Cross-cutting properties ---

func TestRoundTrip_FeeErosionAtStaticPrices(t *testing.T) {
	// Against the same snapshot, selling the shares a buy would obtain
	// always nets less than the buy costs (two fee applications).
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(1000), d(1000))
	ctx := context.Background()

	buyQ, err := env.engine.QuoteBuy(ctx, env.event.ID, env.a.ID, d(200))
	if err != nil {
		t.Fatalf("quote buy: %v", err)
	}
	sellQ, err := env.engine.QuoteSell(ctx, env.event.ID, env.a.ID, buyQ.Shares)
	if err != nil {
		t.Fatalf("quote sell: %v", err)
	}

	if sellQ.AfterFees.GreaterThan(d(200)) {
		t.Errorf("round trip at static prices must not profit: paid 200, got %s", sellQ.AfterFees)
	}
}

func TestConcurrentBuys_NoLostUpdate(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(10000), d(10000))
	ctx := context.Background()

	other := &model.User{WalletAddress: "tb1qotherwallet", Playmoney: d(1000)}
	if err := env.store.CreateUser(ctx, other); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]*model.TradeResult, 2)
	errs := make([]error, 2)
	for i, uid := range []int64{env.user.ID, other.ID} {
		wg.Add(1)
		go func(i int, uid int64) {
			defer wg.Done()
			results[i], errs[i] = env.engine.Buy(ctx, env.event.ID, env.a.ID, uid, d(100))
		}(i, uid)
	}
	wg.Wait()

	total := decimal.Zero
	for i := range results {
		if errs[i] != nil {
			// A conflict abort would be acceptable for a real store; the
			// memory store serializes, so both must succeed.
			t.Fatalf("buy %d failed: %v", i, errs[i])
		}
		total = total.Add(results[i].Shares)
	}

	a := env.outcome(t, env.a.ID)
	if !a.CurrentSupply.Equal(d(10000).Add(total)) {
		t.Errorf("supply = %s, want %s (both increments applied)",
			a.CurrentSupply, d(10000).Add(total))
	}
}

func TestPrices_SumToOne(t *testing.T) {
	env := newTestEnv(t, d(1000))
	env.seedPools(t, d(700), d(1000))
	ctx := context.Background()

	if _, err := env.engine.Buy(ctx, env.event.ID, env.a.ID, env.user.ID, d(150)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	prices, err := env.engine.Prices(ctx, env.event.ID)
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p.Price)
	}
	if sum.Sub(d(1)).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("prices sum to %s, want 1", sum)
	}
}

func TestOutcomePrice(t *testing.T) {
	env := newTestEnv(t, d(1000))
	ctx := context.Background()

	p, err := env.engine.OutcomePrice(ctx, env.event.ID, env.b.ID)
	if err != nil {
		t.Fatalf("outcome price: %v", err)
	}
	if p.OutcomeID != env.b.ID || !p.Price.Equal(d(0.5)) {
		t.Errorf("unexpected outcome price: %+v", p)
	}

	if _, err := env.engine.OutcomePrice(ctx, env.event.ID, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
