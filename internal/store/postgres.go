package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// method works identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool // nil when this store is a transactional view
	db   querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Transaction budgets. Exceeding either aborts the transaction with
// ErrTimeout, which callers treat as retryable.
const (
	txLockTimeout      = "2s"
	txStatementTimeout = "5s"
)

// InTx runs fn inside a SERIALIZABLE transaction. Nested calls reuse the
// enclosing transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPgError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+txLockTimeout+"'"); err != nil {
		return fmt.Errorf("set lock_timeout: %w", mapPgError(err))
	}
	if _, err := tx.Exec(ctx, "SET LOCAL statement_timeout = '"+txStatementTimeout+"'"); err != nil {
		return fmt.Errorf("set statement_timeout: %w", mapPgError(err))
	}

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	return nil
}

// mapPgError translates driver-level failures into the store's error
// taxonomy so callers can decide retryability without importing pgx.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "55P03", "57014": // lock_not_available, query_canceled
			return fmt.Errorf("%w: %s", ErrTimeout, pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO users (wallet_address, playmoney)
		 VALUES ($1, $2::NUMERIC)
		 RETURNING id`,
		u.WalletAddress, u.Playmoney.String(),
	).Scan(&u.ID)
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.scanUser(s.db.QueryRow(ctx,
		`SELECT id, wallet_address, playmoney::TEXT FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByWallet(ctx context.Context, wallet string) (*model.User, error) {
	return s.scanUser(s.db.QueryRow(ctx,
		`SELECT id, wallet_address, playmoney::TEXT FROM users WHERE wallet_address = $1`, wallet))
}

func (s *PostgresStore) scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balance string
	if err := row.Scan(&u.ID, &u.WalletAddress, &balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", ErrNotFound)
		}
		return nil, err
	}
	u.Playmoney, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) AdjustUserBalance(ctx context.Context, id int64, delta decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET playmoney = playmoney + $2::NUMERIC WHERE id = $1`,
		id, delta.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- Events and outcomes ---

func (s *PostgresStore) CreateEvent(ctx context.Context, ev *model.Event, outcomes []*model.Outcome) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO events (unique_id, question, description, resolution_criteria, status, expiry_date, user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		ev.UniqueID, ev.Question, ev.Description, ev.ResolutionCriteria,
		ev.Status, ev.ExpiryDate, ev.UserID, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	for _, o := range outcomes {
		o.EventID = ev.ID
		err := s.db.QueryRow(ctx,
			`INSERT INTO outcomes (event_id, title, current_supply, total_liquidity)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
			 RETURNING id`,
			ev.ID, o.Title, o.CurrentSupply.String(), o.TotalLiquidity.String(),
		).Scan(&o.ID)
		if err != nil {
			return fmt.Errorf("insert outcome %q: %w", o.Title, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	var ev model.Event
	err := s.db.QueryRow(ctx,
		`SELECT id, unique_id, question, description, resolution_criteria, status, expiry_date, user_id, created_at
		 FROM events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.UniqueID, &ev.Question, &ev.Description,
			&ev.ResolutionCriteria, &ev.Status, &ev.ExpiryDate, &ev.UserID, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &ev, nil
}

func (s *PostgresStore) ListOutcomesByEvent(ctx context.Context, eventID int64) ([]model.Outcome, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, event_id, title, current_supply::TEXT, total_liquidity::TEXT
		 FROM outcomes WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var supply, liquidity string
		if err := rows.Scan(&o.ID, &o.EventID, &o.Title, &supply, &liquidity); err != nil {
			return nil, err
		}
		o.CurrentSupply, _ = decimal.NewFromString(supply)
		o.TotalLiquidity, _ = decimal.NewFromString(liquidity)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) AdjustOutcome(ctx context.Context, outcomeID int64, supplyDelta, liquidityDelta decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE outcomes
		 SET current_supply = current_supply + $2::NUMERIC,
		     total_liquidity = total_liquidity + $3::NUMERIC
		 WHERE id = $1`,
		outcomeID, supplyDelta.String(), liquidityDelta.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outcome %d: %w", outcomeID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetOutcomePools(ctx context.Context, outcomeID int64, supply, liquidity decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE outcomes
		 SET current_supply = $2::NUMERIC, total_liquidity = $3::NUMERIC
		 WHERE id = $1`,
		outcomeID, supply.String(), liquidity.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outcome %d: %w", outcomeID, ErrNotFound)
	}
	return nil
}

// --- Positions ---

func (s *PostgresStore) GetAllocation(ctx context.Context, userID, outcomeID int64) (*model.TokenAllocation, error) {
	var a model.TokenAllocation
	var amount string
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, outcome_id, amount::TEXT
		 FROM token_allocations WHERE user_id = $1 AND outcome_id = $2`,
		userID, outcomeID).
		Scan(&a.ID, &a.UserID, &a.OutcomeID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("allocation: %w", ErrNotFound)
		}
		return nil, err
	}
	a.Amount, _ = decimal.NewFromString(amount)
	return &a, nil
}

func (s *PostgresStore) UpsertAllocation(ctx context.Context, userID, outcomeID int64, delta decimal.Decimal) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO token_allocations (user_id, outcome_id, amount)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (user_id, outcome_id)
		 DO UPDATE SET amount = token_allocations.amount + EXCLUDED.amount`,
		userID, outcomeID, delta.String())
	return err
}

func (s *PostgresStore) ListAllocationsByUser(ctx context.Context, userID int64) ([]model.TokenAllocation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, outcome_id, amount::TEXT
		 FROM token_allocations WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []model.TokenAllocation
	for rows.Next() {
		var a model.TokenAllocation
		var amount string
		if err := rows.Scan(&a.ID, &a.UserID, &a.OutcomeID, &amount); err != nil {
			return nil, err
		}
		a.Amount, _ = decimal.NewFromString(amount)
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO trades (order_type, order_size, amount, event_id, outcome_id, user_id, after_price, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8)
		 RETURNING id`,
		t.OrderType, t.OrderSize.String(), t.Amount.String(),
		t.EventID, t.OutcomeID, t.UserID, t.AfterPrice.String(), t.CreatedAt,
	).Scan(&t.ID)
}

func (s *PostgresStore) ListTradesByEvent(ctx context.Context, eventID int64) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, order_type, order_size::TEXT, amount::TEXT, event_id, outcome_id, user_id, after_price::TEXT, created_at
		 FROM trades WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID int64) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, order_type, order_size::TEXT, amount::TEXT, event_id, outcome_id, user_id, after_price::TEXT, created_at
		 FROM trades WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var size, amount, afterPrice string
		if err := rows.Scan(&t.ID, &t.OrderType, &size, &amount,
			&t.EventID, &t.OutcomeID, &t.UserID, &afterPrice, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.OrderSize, _ = decimal.NewFromString(size)
		t.Amount, _ = decimal.NewFromString(amount)
		t.AfterPrice, _ = decimal.NewFromString(afterPrice)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) PlatformStats(ctx context.Context, since time.Time) (*model.PlatformStats, error) {
	var st model.PlatformStats
	var volume string
	err := s.db.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM trades WHERE created_at >= $1),
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM events),
			(SELECT COALESCE(SUM(amount), 0)::TEXT FROM trades WHERE created_at >= $1)`,
		since).
		Scan(&st.Trades, &st.Users, &st.Events, &volume)
	if err != nil {
		return nil, err
	}
	st.TradeVolume, _ = decimal.NewFromString(volume)
	return &st, nil
}
