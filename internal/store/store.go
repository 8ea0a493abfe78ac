// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a transaction loses a serialization
	// conflict or deadlock. The whole operation is safe to retry.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrTimeout is returned when a transaction exceeds its lock-wait or
	// execution budget. The whole operation is safe to retry.
	ErrTimeout = errors.New("store: transaction timed out")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for the hot read paths.
//
// Mutating calls made outside InTx apply immediately; the trade executor
// always groups its reads and writes inside InTx.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user; fills in the ID.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id int64) (*model.User, error)

	// GetUserByWallet retrieves a user by wallet address.
	GetUserByWallet(ctx context.Context, wallet string) (*model.User, error)

	// AdjustUserBalance applies a signed playmoney delta.
	AdjustUserBalance(ctx context.Context, id int64, delta decimal.Decimal) error

	// --- Events and outcomes ---

	// CreateEvent persists an event and its outcomes; fills in IDs.
	CreateEvent(ctx context.Context, ev *model.Event, outcomes []*model.Outcome) error

	// GetEvent retrieves an event by ID.
	GetEvent(ctx context.Context, id int64) (*model.Event, error)

	// ListOutcomesByEvent returns an event's outcomes in creation order.
	// An event with zero outcomes yields an empty slice, not an error.
	ListOutcomesByEvent(ctx context.Context, eventID int64) ([]model.Outcome, error)

	// AdjustOutcome applies signed deltas to an outcome's share pool and
	// liquidity pool.
	AdjustOutcome(ctx context.Context, outcomeID int64, supplyDelta, liquidityDelta decimal.Decimal) error

	// SetOutcomePools overwrites an outcome's pools. Used by market
	// initialization only.
	SetOutcomePools(ctx context.Context, outcomeID int64, supply, liquidity decimal.Decimal) error

	// --- Positions ---

	// GetAllocation returns the (user, outcome) position, or ErrNotFound.
	GetAllocation(ctx context.Context, userID, outcomeID int64) (*model.TokenAllocation, error)

	// UpsertAllocation creates the (user, outcome) position with the given
	// delta, or applies the delta to the existing row. Negative deltas
	// decrement; callers guard against going negative.
	UpsertAllocation(ctx context.Context, userID, outcomeID int64, delta decimal.Decimal) error

	// ListAllocationsByUser returns all of a user's positions.
	ListAllocationsByUser(ctx context.Context, userID int64) ([]model.TokenAllocation, error)

	// --- Immutable trade log ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTradesByEvent returns all trades for an event, oldest first.
	ListTradesByEvent(ctx context.Context, eventID int64) ([]model.Trade, error)

	// ListTradesByUser returns all trades for a user, oldest first.
	ListTradesByUser(ctx context.Context, userID int64) ([]model.Trade, error)

	// PlatformStats aggregates counts and volume since the given time.
	PlatformStats(ctx context.Context, since time.Time) (*model.PlatformStats, error)

	// --- Transactions ---

	// InTx runs fn against a transactional view of the store. All reads
	// and writes inside fn are one atomic, isolated unit: fn returning an
	// error rolls everything back. Conflicting concurrent transactions
	// fail with ErrConflict; exceeding the wait or execution budget fails
	// with ErrTimeout. Both are retryable by the caller.
	InTx(ctx context.Context, fn func(Store) error) error
}
