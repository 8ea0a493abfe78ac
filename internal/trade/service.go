// Package trade provides the HTTP handlers for event creation, trade
// execution, quoting, and position/portfolio queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/event"
	"github.com/openpredict/market-engine/internal/market"
	"github.com/openpredict/market-engine/internal/metrics"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// maxRetries bounds how often a trade is re-executed after losing a
// serialization conflict. Retries happen only here, never inside the
// engine.
const maxRetries = 3

// PriceSource supplies the informational BTC/USD price attached to
// outcome price reads.
type PriceSource interface {
	Price() (decimal.Decimal, error)
}

// StatsSource supplies the latest platform snapshot.
type StatsSource interface {
	Latest() *model.PlatformStats
}

// Service handles market HTTP operations. Concurrency control lives in
// the store's transaction isolation; the service holds no locks.
type Service struct {
	store  store.Store
	engine *market.Engine
	events *event.Service
	oracle PriceSource // optional
	stats  StatsSource // optional
	wsHub  *WSHub      // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service. oracle, stats, and hub may be
// nil; the matching response fields are then omitted.
func NewService(st store.Store, eng *market.Engine, events *event.Service, oracle PriceSource, stats StatsSource, hub *WSHub) *Service {
	return &Service{
		store:  st,
		engine: eng,
		events: events,
		oracle: oracle,
		stats:  stats,
		wsHub:  hub,
	}
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	WalletAddress string          `json:"wallet_address"`
	Playmoney     decimal.Decimal `json:"playmoney"`
}

// TradeRequest is the JSON body for POST /trade/buy and /trade/sell.
// Amount is USD for buys and a share count for sells.
type TradeRequest struct {
	UserID    int64           `json:"user_id"`
	EventID   int64           `json:"event_id"`
	OutcomeID int64           `json:"outcome_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// QuoteRequest is the JSON body for POST /quote/buy and /quote/sell.
type QuoteRequest struct {
	EventID   int64           `json:"event_id"`
	OutcomeID int64           `json:"outcome_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// EventResponse bundles an event with its outcomes and current prices.
type EventResponse struct {
	Event  *model.Event         `json:"event"`
	Prices []model.OutcomePrice `json:"prices"`
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WalletAddress == "" {
		writeError(w, "wallet_address is required", http.StatusBadRequest)
		return
	}
	if req.Playmoney.IsNegative() {
		writeError(w, "playmoney must not be negative", http.StatusBadRequest)
		return
	}

	u := &model.User{WalletAddress: req.WalletAddress, Playmoney: req.Playmoney}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		s.writeStoreError(w, err)
		return
	}

	slog.Info("user created", "id", u.ID, "wallet", u.WalletAddress)
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetUserAllocations handles GET /api/v1/users/{userID}/allocations
func (s *Service) GetUserAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	allocs, err := s.store.ListAllocationsByUser(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if allocs == nil {
		allocs = []model.TokenAllocation{}
	}
	writeJSON(w, http.StatusOK, allocs)
}

// GetUserTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	trades, err := s.store.ListTradesByUser(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Events ---

// CreateEvent handles POST /api/v1/events
// Creates the event and its outcome rows, then seeds the market pools.
func (s *Service) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var params event.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ev, _, err := s.events.Create(ctx, &params)
	if err != nil {
		if isValidationError(err) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeStoreError(w, err)
		return
	}

	prices, err := s.engine.InitializeMarket(ctx, ev.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	slog.Info("event created",
		"id", ev.ID,
		"unique_id", ev.UniqueID,
		"outcomes", len(prices),
	)
	writeJSON(w, http.StatusCreated, EventResponse{Event: ev, Prices: prices})
}

// GetEvent handles GET /api/v1/events/{eventID}
func (s *Service) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}

	ctx := r.Context()
	ev, _, err := s.events.Get(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	prices, err := s.engine.Prices(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EventResponse{Event: ev, Prices: prices})
}

// InitializeMarket handles POST /api/v1/events/{eventID}/initialize
// Re-seeds all outcome pools to the initial state.
func (s *Service) InitializeMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}
	prices, err := s.engine.InitializeMarket(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	slog.Info("market initialized", "event_id", id)
	writeJSON(w, http.StatusOK, prices)
}

// GetPrices handles GET /api/v1/events/{eventID}/prices
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}
	prices, err := s.engine.Prices(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// GetOutcomePrice handles GET /api/v1/events/{eventID}/outcomes/{outcomeID}/price
// Attaches the current BTC/USD spot as informational context when the
// oracle has a price.
func (s *Service) GetOutcomePrice(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}
	outcomeID, ok := pathID(w, r, "outcomeID")
	if !ok {
		return
	}

	price, err := s.engine.OutcomePrice(r.Context(), eventID, outcomeID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if s.oracle != nil {
		if btc, err := s.oracle.Price(); err == nil {
			price.BTCPrice = &btc
		}
	}
	writeJSON(w, http.StatusOK, price)
}

// GetEventTrades handles GET /api/v1/events/{eventID}/trades
func (s *Service) GetEventTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}
	trades, err := s.store.ListTradesByEvent(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Trade execution ---

// Buy handles POST /api/v1/trade/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, model.OrderBuy)
}

// Sell handles POST /api/v1/trade/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, model.OrderSell)
}

func (s *Service) executeTrade(w http.ResponseWriter, r *http.Request, orderType string) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 || req.EventID == 0 || req.OutcomeID == 0 {
		writeError(w, "user_id, event_id and outcome_id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	// Serialization conflicts and lock timeouts are transient: the
	// whole transaction rolled back, so re-executing is safe.
	var result *model.TradeResult
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			metrics.TxRetries.Inc()
		}
		if orderType == model.OrderBuy {
			result, err = s.engine.Buy(ctx, req.EventID, req.OutcomeID, req.UserID, req.Amount)
		} else {
			result, err = s.engine.Sell(ctx, req.EventID, req.OutcomeID, req.UserID, req.Amount)
		}
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrTimeout) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, market.ErrImpactTooHigh) {
			metrics.ImpactRejections.Inc()
		}
		s.writeStoreError(w, err)
		return
	}

	metrics.TradesTotal.WithLabelValues(orderType).Inc()
	metrics.TradeLatency.WithLabelValues(orderType).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"order_type", orderType,
		"user", req.UserID,
		"event", req.EventID,
		"outcome", req.OutcomeID,
		"shares", result.Shares.String(),
		"cost", result.Cost.String(),
	)

	if s.wsHub != nil {
		msg := WSMessage{
			Type:      "trade_executed",
			EventID:   req.EventID,
			OutcomeID: req.OutcomeID,
			OrderType: orderType,
			Shares:    result.Shares.String(),
			At:        time.Now().UTC(),
		}
		for _, pi := range result.PriceImpacts {
			msg.Prices = append(msg.Prices, WSPrice{
				OutcomeID: pi.OutcomeID,
				Title:     pi.Title,
				Price:     pi.AfterPrice.String(),
			})
		}
		s.wsHub.Broadcast(msg)
	}

	writeJSON(w, http.StatusOK, result)
}

// --- Quotes ---

// QuoteBuy handles POST /api/v1/quote/buy
func (s *Service) QuoteBuy(w http.ResponseWriter, r *http.Request) {
	s.quote(w, r, model.OrderBuy)
}

// QuoteSell handles POST /api/v1/quote/sell
func (s *Service) QuoteSell(w http.ResponseWriter, r *http.Request) {
	s.quote(w, r, model.OrderSell)
}

func (s *Service) quote(w http.ResponseWriter, r *http.Request, orderType string) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var q *model.Quote
	var err error
	if orderType == model.OrderBuy {
		q, err = s.engine.QuoteBuy(r.Context(), req.EventID, req.OutcomeID, req.Amount)
	} else {
		q, err = s.engine.QuoteSell(r.Context(), req.EventID, req.OutcomeID, req.Amount)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// --- Stats ---

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	if s.stats != nil {
		if snapshot := s.stats.Latest(); snapshot != nil {
			writeJSON(w, http.StatusOK, snapshot)
			return
		}
	}
	// Collector absent or not warmed up yet: aggregate directly.
	stats, err := s.store.PlatformStats(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Helpers ---

// writeStoreError maps engine and store errors onto HTTP statuses.
func (s *Service) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		writeError(w, "trade conflicted, please retry", http.StatusConflict)
	case errors.Is(err, store.ErrTimeout):
		writeError(w, "trade timed out, please retry", http.StatusServiceUnavailable)
	case errors.Is(err, market.ErrInsufficientBalance),
		errors.Is(err, market.ErrInsufficientShares),
		errors.Is(err, market.ErrInsufficientLiquidity),
		errors.Is(err, market.ErrAmountTooSmall),
		errors.Is(err, market.ErrBelowMinimumShares),
		errors.Is(err, market.ErrImpactTooHigh):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("internal error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func isValidationError(err error) bool {
	return errors.Is(err, event.ErrInvalidQuestion) ||
		errors.Is(err, event.ErrInvalidOutcomes) ||
		errors.Is(err, event.ErrInvalidExpiry)
}

// pathID parses a numeric chi URL parameter, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
