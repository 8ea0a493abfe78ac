// Package model defines the core domain types shared across the market engine.
// All monetary and share values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event statuses.
const (
	EventActive   = "ACTIVE"
	EventResolved = "RESOLVED"
)

// Trade order types.
const (
	OrderBuy  = "BUY"
	OrderSell = "SELL"
)

// Event is a tradable question with a fixed set of outcomes.
// Identity is immutable once created; resolution happens outside the
// trading core.
type Event struct {
	ID                 int64     `json:"id" db:"id"`
	UniqueID           string    `json:"unique_id" db:"unique_id"`
	Question           string    `json:"question" db:"question"`
	Description        string    `json:"description" db:"description"`
	ResolutionCriteria string    `json:"resolution_criteria" db:"resolution_criteria"`
	Status             string    `json:"status" db:"status"` // "ACTIVE", "RESOLVED"
	ExpiryDate         time.Time `json:"expiry_date" db:"expiry_date"`
	UserID             int64     `json:"user_id" db:"user_id"` // owning user
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Outcome is one leg of an event's market. CurrentSupply is the share
// pool the CPMM prices against; TotalLiquidity is the USD-equivalent
// value backing payouts. Both are mutated only by the trade executor
// and the lifecycle manager.
type Outcome struct {
	ID             int64           `json:"id" db:"id"`
	EventID        int64           `json:"event_id" db:"event_id"`
	Title          string          `json:"title" db:"title"`
	CurrentSupply  decimal.Decimal `json:"current_supply" db:"current_supply"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity" db:"total_liquidity"`
}

// User holds the tradable playmoney balance.
type User struct {
	ID            int64           `json:"id" db:"id"`
	WalletAddress string          `json:"wallet_address" db:"wallet_address"`
	Playmoney     decimal.Decimal `json:"playmoney" db:"playmoney"`
}

// TokenAllocation is a per-(user, outcome) position. Unique on the pair;
// created on first buy, adjusted afterwards, never negative.
type TokenAllocation struct {
	ID        int64           `json:"id" db:"id"`
	UserID    int64           `json:"user_id" db:"user_id"`
	OutcomeID int64           `json:"outcome_id" db:"outcome_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
}

// Trade is an immutable record of an executed trade.
// Once created, these are never modified or deleted.
type Trade struct {
	ID         int64           `json:"id" db:"id"`
	OrderType  string          `json:"order_type" db:"order_type"` // "BUY" or "SELL"
	OrderSize  decimal.Decimal `json:"order_size" db:"order_size"` // shares
	Amount     decimal.Decimal `json:"amount" db:"amount"`         // USD: cost on buy, net proceeds on sell
	EventID    int64           `json:"event_id" db:"event_id"`
	OutcomeID  int64           `json:"outcome_id" db:"outcome_id"`
	UserID     int64           `json:"user_id" db:"user_id"`
	AfterPrice decimal.Decimal `json:"after_price" db:"after_price"` // traded outcome's price post-trade
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// PriceImpact describes how one outcome's price moved across a trade.
type PriceImpact struct {
	OutcomeID   int64           `json:"outcome_id"`
	Title       string          `json:"title"`
	BeforePrice decimal.Decimal `json:"before_price"`
	AfterPrice  decimal.Decimal `json:"after_price"`
	Impact      decimal.Decimal `json:"impact"` // signed percent
}

// TradeResult is returned from the trade executor.
type TradeResult struct {
	Shares       decimal.Decimal `json:"shares"`
	Cost         decimal.Decimal `json:"cost"` // USD spent on buy, net proceeds on sell
	PriceImpacts []PriceImpact   `json:"price_impacts"`
}

// Quote is a read-only simulation of a trade. Advisory: a quote may
// diverge from the price a subsequent trade actually obtains.
type Quote struct {
	UsdAmount     decimal.Decimal `json:"usd_amount"`
	Shares        decimal.Decimal `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	PriceImpact   decimal.Decimal `json:"price_impact"`
	TotalFee      decimal.Decimal `json:"total_fee"`
	AfterFees     decimal.Decimal `json:"after_fees"`
	NewPrice      decimal.Decimal `json:"new_price"`
}

// OutcomePrice is one row of an event's price vector.
type OutcomePrice struct {
	OutcomeID      int64            `json:"outcome_id"`
	Title          string           `json:"title"`
	Price          decimal.Decimal  `json:"price"`
	CurrentSupply  decimal.Decimal  `json:"current_supply"`
	TotalLiquidity decimal.Decimal  `json:"total_liquidity"`
	BTCPrice       *decimal.Decimal `json:"btc_price,omitempty"` // opaque oracle input
}

// PlatformStats is a point-in-time aggregate over the whole platform.
type PlatformStats struct {
	Trades      int64           `json:"trades"`
	Users       int64           `json:"users"`
	Events      int64           `json:"events"`
	TradeVolume decimal.Decimal `json:"trade_volume"` // Σ trade amount
}
