package stats

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

func seedActivity(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	user := &model.User{WalletAddress: "tb1qstats", Playmoney: decimal.NewFromInt(1000)}
	if err := ms.CreateUser(ctx, user); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	ev := &model.Event{
		UniqueID:   "stats-event",
		Question:   "Will the collector count this event?",
		Status:     model.EventActive,
		ExpiryDate: time.Now().Add(time.Hour),
		UserID:     user.ID,
		CreatedAt:  time.Now(),
	}
	outcomes := []*model.Outcome{{Title: "Yes"}, {Title: "No"}}
	if err := ms.CreateEvent(ctx, ev, outcomes); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	if err := ms.InsertTrade(ctx, &model.Trade{
		OrderType: model.OrderBuy,
		OrderSize: decimal.NewFromInt(10),
		Amount:    decimal.NewFromInt(50),
		EventID:   ev.ID,
		OutcomeID: outcomes[0].ID,
		UserID:    user.ID,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
}

func TestCollector(t *testing.T) {
	ms := store.NewMemoryStore()
	seedActivity(t, ms)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCollector(ms, logger, time.Hour)

	if c.Latest() != nil {
		t.Error("expected nil snapshot before first collection")
	}

	c.Start(context.Background())
	defer c.Stop()

	// Start collects synchronously before spawning the ticker.
	stats := c.Latest()
	if stats == nil {
		t.Fatal("expected snapshot after start")
	}
	if stats.Trades != 1 {
		t.Errorf("trades = %d, want 1", stats.Trades)
	}
	if stats.Users != 1 {
		t.Errorf("users = %d, want 1", stats.Users)
	}
	if stats.Events != 1 {
		t.Errorf("events = %d, want 1", stats.Events)
	}
	if !stats.TradeVolume.Equal(decimal.NewFromInt(50)) {
		t.Errorf("volume = %s, want 50", stats.TradeVolume)
	}
}
