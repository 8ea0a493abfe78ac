package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx takes a snapshot of the whole state and restores it when fn
// fails, so a rejected trade leaves nothing behind — the same atomicity
// the PostgreSQL store gets from real transactions. The single mutex
// serializes transactions, so conflicts cannot occur.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type allocKey struct {
	userID    int64
	outcomeID int64
}

type memData struct {
	users       map[int64]*model.User
	events      map[int64]*model.Event
	outcomes    map[int64]*model.Outcome
	allocations map[allocKey]*model.TokenAllocation
	trades      []model.Trade
	nextID      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			users:       make(map[int64]*model.User),
			events:      make(map[int64]*model.Event),
			outcomes:    make(map[int64]*model.Outcome),
			allocations: make(map[allocKey]*model.TokenAllocation),
		},
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		users:       make(map[int64]*model.User, len(d.users)),
		events:      make(map[int64]*model.Event, len(d.events)),
		outcomes:    make(map[int64]*model.Outcome, len(d.outcomes)),
		allocations: make(map[allocKey]*model.TokenAllocation, len(d.allocations)),
		trades:      make([]model.Trade, len(d.trades)),
		nextID:      d.nextID,
	}
	for id, u := range d.users {
		cp := *u
		c.users[id] = &cp
	}
	for id, ev := range d.events {
		cp := *ev
		c.events[id] = &cp
	}
	for id, o := range d.outcomes {
		cp := *o
		c.outcomes[id] = &cp
	}
	for k, a := range d.allocations {
		cp := *a
		c.allocations[k] = &cp
	}
	copy(c.trades, d.trades)
	return c
}

func (d *memData) id() int64 {
	d.nextID++
	return d.nextID
}

// InTx serializes the function under the store mutex and rolls the whole
// state back if fn returns an error.
func (s *MemoryStore) InTx(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&memTx{data: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// memTx is the transactional view handed to InTx callbacks. The
// enclosing MemoryStore holds the mutex for the duration, so memTx
// accesses data directly.
type memTx struct {
	data *memData
}

// InTx on a transactional view joins the enclosing transaction.
func (t *memTx) InTx(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

// The MemoryStore methods lock and delegate to the shared memData
// implementations; memTx delegates without locking.

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createUser(u)
}

func (t *memTx) CreateUser(_ context.Context, u *model.User) error {
	return t.data.createUser(u)
}

func (d *memData) createUser(u *model.User) error {
	u.ID = d.id()
	cp := *u
	d.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getUser(id)
}

func (t *memTx) GetUser(_ context.Context, id int64) (*model.User, error) {
	return t.data.getUser(id)
}

func (d *memData) getUser(id int64) (*model.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByWallet(_ context.Context, wallet string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getUserByWallet(wallet)
}

func (t *memTx) GetUserByWallet(_ context.Context, wallet string) (*model.User, error) {
	return t.data.getUserByWallet(wallet)
}

func (d *memData) getUserByWallet(wallet string) (*model.User, error) {
	for _, u := range d.users {
		if u.WalletAddress == wallet {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("wallet %s: %w", wallet, ErrNotFound)
}

func (s *MemoryStore) AdjustUserBalance(_ context.Context, id int64, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.adjustUserBalance(id, delta)
}

func (t *memTx) AdjustUserBalance(_ context.Context, id int64, delta decimal.Decimal) error {
	return t.data.adjustUserBalance(id, delta)
}

func (d *memData) adjustUserBalance(id int64, delta decimal.Decimal) error {
	u, ok := d.users[id]
	if !ok {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	u.Playmoney = u.Playmoney.Add(delta)
	return nil
}

func (s *MemoryStore) CreateEvent(_ context.Context, ev *model.Event, outcomes []*model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createEvent(ev, outcomes)
}

func (t *memTx) CreateEvent(_ context.Context, ev *model.Event, outcomes []*model.Outcome) error {
	return t.data.createEvent(ev, outcomes)
}

func (d *memData) createEvent(ev *model.Event, outcomes []*model.Outcome) error {
	for _, existing := range d.events {
		if existing.UniqueID == ev.UniqueID {
			return fmt.Errorf("event %s already exists", ev.UniqueID)
		}
	}
	ev.ID = d.id()
	cp := *ev
	d.events[ev.ID] = &cp

	for _, o := range outcomes {
		o.ID = d.id()
		o.EventID = ev.ID
		ocp := *o
		d.outcomes[o.ID] = &ocp
	}
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id int64) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getEvent(id)
}

func (t *memTx) GetEvent(_ context.Context, id int64) (*model.Event, error) {
	return t.data.getEvent(id)
}

func (d *memData) getEvent(id int64) (*model.Event, error) {
	ev, ok := d.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) ListOutcomesByEvent(_ context.Context, eventID int64) ([]model.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listOutcomesByEvent(eventID)
}

func (t *memTx) ListOutcomesByEvent(_ context.Context, eventID int64) ([]model.Outcome, error) {
	return t.data.listOutcomesByEvent(eventID)
}

func (d *memData) listOutcomesByEvent(eventID int64) ([]model.Outcome, error) {
	var outcomes []model.Outcome
	for _, o := range d.outcomes {
		if o.EventID == eventID {
			outcomes = append(outcomes, *o)
		}
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].ID < outcomes[j].ID })
	return outcomes, nil
}

func (s *MemoryStore) AdjustOutcome(_ context.Context, outcomeID int64, supplyDelta, liquidityDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.adjustOutcome(outcomeID, supplyDelta, liquidityDelta)
}

func (t *memTx) AdjustOutcome(_ context.Context, outcomeID int64, supplyDelta, liquidityDelta decimal.Decimal) error {
	return t.data.adjustOutcome(outcomeID, supplyDelta, liquidityDelta)
}

func (d *memData) adjustOutcome(outcomeID int64, supplyDelta, liquidityDelta decimal.Decimal) error {
	o, ok := d.outcomes[outcomeID]
	if !ok {
		return fmt.Errorf("outcome %d: %w", outcomeID, ErrNotFound)
	}
	o.CurrentSupply = o.CurrentSupply.Add(supplyDelta)
	o.TotalLiquidity = o.TotalLiquidity.Add(liquidityDelta)
	return nil
}

func (s *MemoryStore) SetOutcomePools(_ context.Context, outcomeID int64, supply, liquidity decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.setOutcomePools(outcomeID, supply, liquidity)
}

func (t *memTx) SetOutcomePools(_ context.Context, outcomeID int64, supply, liquidity decimal.Decimal) error {
	return t.data.setOutcomePools(outcomeID, supply, liquidity)
}

func (d *memData) setOutcomePools(outcomeID int64, supply, liquidity decimal.Decimal) error {
	o, ok := d.outcomes[outcomeID]
	if !ok {
		return fmt.Errorf("outcome %d: %w", outcomeID, ErrNotFound)
	}
	o.CurrentSupply = supply
	o.TotalLiquidity = liquidity
	return nil
}

func (s *MemoryStore) GetAllocation(_ context.Context, userID, outcomeID int64) (*model.TokenAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getAllocation(userID, outcomeID)
}

func (t *memTx) GetAllocation(_ context.Context, userID, outcomeID int64) (*model.TokenAllocation, error) {
	return t.data.getAllocation(userID, outcomeID)
}

func (d *memData) getAllocation(userID, outcomeID int64) (*model.TokenAllocation, error) {
	a, ok := d.allocations[allocKey{userID, outcomeID}]
	if !ok {
		return nil, fmt.Errorf("allocation: %w", ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) UpsertAllocation(_ context.Context, userID, outcomeID int64, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.upsertAllocation(userID, outcomeID, delta)
}

func (t *memTx) UpsertAllocation(_ context.Context, userID, outcomeID int64, delta decimal.Decimal) error {
	return t.data.upsertAllocation(userID, outcomeID, delta)
}

func (d *memData) upsertAllocation(userID, outcomeID int64, delta decimal.Decimal) error {
	key := allocKey{userID, outcomeID}
	if a, ok := d.allocations[key]; ok {
		a.Amount = a.Amount.Add(delta)
		return nil
	}
	d.allocations[key] = &model.TokenAllocation{
		ID:        d.id(),
		UserID:    userID,
		OutcomeID: outcomeID,
		Amount:    delta,
	}
	return nil
}

func (s *MemoryStore) ListAllocationsByUser(_ context.Context, userID int64) ([]model.TokenAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listAllocationsByUser(userID)
}

func (t *memTx) ListAllocationsByUser(_ context.Context, userID int64) ([]model.TokenAllocation, error) {
	return t.data.listAllocationsByUser(userID)
}

func (d *memData) listAllocationsByUser(userID int64) ([]model.TokenAllocation, error) {
	var allocs []model.TokenAllocation
	for _, a := range d.allocations {
		if a.UserID == userID {
			allocs = append(allocs, *a)
		}
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].ID < allocs[j].ID })
	return allocs, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, tr *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insertTrade(tr)
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	return t.data.insertTrade(tr)
}

func (d *memData) insertTrade(tr *model.Trade) error {
	tr.ID = d.id()
	d.trades = append(d.trades, *tr)
	return nil
}

func (s *MemoryStore) ListTradesByEvent(_ context.Context, eventID int64) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listTrades(func(t model.Trade) bool { return t.EventID == eventID }), nil
}

func (t *memTx) ListTradesByEvent(_ context.Context, eventID int64) ([]model.Trade, error) {
	return t.data.listTrades(func(tr model.Trade) bool { return tr.EventID == eventID }), nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID int64) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listTrades(func(t model.Trade) bool { return t.UserID == userID }), nil
}

func (t *memTx) ListTradesByUser(_ context.Context, userID int64) ([]model.Trade, error) {
	return t.data.listTrades(func(tr model.Trade) bool { return tr.UserID == userID }), nil
}

func (d *memData) listTrades(match func(model.Trade) bool) []model.Trade {
	var trades []model.Trade
	for _, t := range d.trades {
		if match(t) {
			trades = append(trades, t)
		}
	}
	return trades
}

func (s *MemoryStore) PlatformStats(_ context.Context, since time.Time) (*model.PlatformStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.platformStats(since), nil
}

func (t *memTx) PlatformStats(_ context.Context, since time.Time) (*model.PlatformStats, error) {
	return t.data.platformStats(since), nil
}

func (d *memData) platformStats(since time.Time) *model.PlatformStats {
	st := &model.PlatformStats{
		Users:       int64(len(d.users)),
		Events:      int64(len(d.events)),
		TradeVolume: decimal.Zero,
	}
	for _, t := range d.trades {
		if t.CreatedAt.Before(since) {
			continue
		}
		st.Trades++
		st.TradeVolume = st.TradeVolume.Add(t.Amount)
	}
	return st
}
