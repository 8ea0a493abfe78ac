package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot quote/price read path: events and outcome lists.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary.
//
// The quote engine explicitly tolerates staleness (quotes are advisory),
// so cached outcome reads are safe there. Trade execution goes through
// InTx, which always reads from the primary inside the transaction.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func eventKey(id int64) string         { return fmt.Sprintf("event:%d", id) }
func outcomesKey(eventID int64) string { return fmt.Sprintf("outcomes:%d", eventID) }

// outcomeEventKey maps an outcome ID to its event ID so writes keyed by
// outcome alone can invalidate the event's outcome list.
func outcomeEventKey(outcomeID int64) string { return fmt.Sprintf("oe:%d", outcomeID) }

// --- Read-through ---

func (s *CachedStore) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	data, err := s.rdb.Get(ctx, eventKey(id)).Bytes()
	if err == nil {
		var ev model.Event
		if json.Unmarshal(data, &ev) == nil {
			return &ev, nil
		}
	}

	ev, err := s.primary.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(ev); err == nil {
		s.rdb.Set(ctx, eventKey(id), data, s.ttl)
	}
	return ev, nil
}

func (s *CachedStore) ListOutcomesByEvent(ctx context.Context, eventID int64) ([]model.Outcome, error) {
	data, err := s.rdb.Get(ctx, outcomesKey(eventID)).Bytes()
	if err == nil {
		var outcomes []model.Outcome
		if json.Unmarshal(data, &outcomes) == nil {
			return outcomes, nil
		}
	}

	outcomes, err := s.primary.ListOutcomesByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(outcomes); err == nil {
		s.rdb.Set(ctx, outcomesKey(eventID), data, s.ttl)
	}
	// Cache the outcome→event mapping for write invalidation. These keys
	// are stable facts, so give them a longer life than the data itself.
	for _, o := range outcomes {
		s.rdb.Set(ctx, outcomeEventKey(o.ID), strconv.FormatInt(eventID, 10), 10*s.ttl)
	}
	return outcomes, nil
}

// --- Write-through with invalidation ---

func (s *CachedStore) AdjustOutcome(ctx context.Context, outcomeID int64, supplyDelta, liquidityDelta decimal.Decimal) error {
	if err := s.primary.AdjustOutcome(ctx, outcomeID, supplyDelta, liquidityDelta); err != nil {
		return err
	}
	s.invalidateOutcome(ctx, outcomeID)
	return nil
}

func (s *CachedStore) SetOutcomePools(ctx context.Context, outcomeID int64, supply, liquidity decimal.Decimal) error {
	if err := s.primary.SetOutcomePools(ctx, outcomeID, supply, liquidity); err != nil {
		return err
	}
	s.invalidateOutcome(ctx, outcomeID)
	return nil
}

func (s *CachedStore) invalidateOutcome(ctx context.Context, outcomeID int64) {
	eventID, err := s.rdb.Get(ctx, outcomeEventKey(outcomeID)).Result()
	if err != nil {
		return // mapping unknown; the list expires via TTL
	}
	if id, err := strconv.ParseInt(eventID, 10, 64); err == nil {
		s.rdb.Del(ctx, outcomesKey(id))
	}
}

// InTx runs against the primary store, recording which outcomes the
// transaction touched, and invalidates their cached lists after commit.
func (s *CachedStore) InTx(ctx context.Context, fn func(Store) error) error {
	var touched []int64
	err := s.primary.InTx(ctx, func(tx Store) error {
		rec := &recordingTx{Store: tx}
		if err := fn(rec); err != nil {
			return err
		}
		touched = rec.outcomes
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range touched {
		s.invalidateOutcome(ctx, id)
	}
	return nil
}

// recordingTx passes every call through to the transactional store,
// noting outcome writes for post-commit cache invalidation.
type recordingTx struct {
	Store
	outcomes []int64
}

func (r *recordingTx) AdjustOutcome(ctx context.Context, outcomeID int64, supplyDelta, liquidityDelta decimal.Decimal) error {
	r.outcomes = append(r.outcomes, outcomeID)
	return r.Store.AdjustOutcome(ctx, outcomeID, supplyDelta, liquidityDelta)
}

func (r *recordingTx) SetOutcomePools(ctx context.Context, outcomeID int64, supply, liquidity decimal.Decimal) error {
	r.outcomes = append(r.outcomes, outcomeID)
	return r.Store.SetOutcomePools(ctx, outcomeID, supply, liquidity)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetUserByWallet(ctx context.Context, wallet string) (*model.User, error) {
	return s.primary.GetUserByWallet(ctx, wallet)
}

func (s *CachedStore) AdjustUserBalance(ctx context.Context, id int64, delta decimal.Decimal) error {
	return s.primary.AdjustUserBalance(ctx, id, delta)
}

func (s *CachedStore) CreateEvent(ctx context.Context, ev *model.Event, outcomes []*model.Outcome) error {
	return s.primary.CreateEvent(ctx, ev, outcomes)
}

func (s *CachedStore) GetAllocation(ctx context.Context, userID, outcomeID int64) (*model.TokenAllocation, error) {
	return s.primary.GetAllocation(ctx, userID, outcomeID)
}

func (s *CachedStore) UpsertAllocation(ctx context.Context, userID, outcomeID int64, delta decimal.Decimal) error {
	return s.primary.UpsertAllocation(ctx, userID, outcomeID, delta)
}

func (s *CachedStore) ListAllocationsByUser(ctx context.Context, userID int64) ([]model.TokenAllocation, error) {
	return s.primary.ListAllocationsByUser(ctx, userID)
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) ListTradesByEvent(ctx context.Context, eventID int64) ([]model.Trade, error) {
	return s.primary.ListTradesByEvent(ctx, eventID)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID int64) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) PlatformStats(ctx context.Context, since time.Time) (*model.PlatformStats, error) {
	return s.primary.PlatformStats(ctx, since)
}
