package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/model"
)

func seedMemory(t *testing.T) (*MemoryStore, *model.User, []*model.Outcome) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()

	u := &model.User{WalletAddress: "tb1qmem", Playmoney: decimal.NewFromInt(100)}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	ev := &model.Event{UniqueID: "mem-event", Question: "memory store event?", Status: model.EventActive}
	outcomes := []*model.Outcome{{Title: "Yes"}, {Title: "No"}}
	if err := s.CreateEvent(ctx, ev, outcomes); err != nil {
		t.Fatalf("create event: %v", err)
	}
	return s, u, outcomes
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	s, u, outcomes := seedMemory(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Store) error {
		if err := tx.AdjustUserBalance(ctx, u.ID, decimal.NewFromInt(-40)); err != nil {
			return err
		}
		return tx.AdjustOutcome(ctx, outcomes[0].ID, decimal.NewFromInt(10), decimal.NewFromInt(40))
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	got, _ := s.GetUser(ctx, u.ID)
	if !got.Playmoney.Equal(decimal.NewFromInt(60)) {
		t.Errorf("balance = %s, want 60", got.Playmoney)
	}
	list, _ := s.ListOutcomesByEvent(ctx, outcomes[0].EventID)
	if !list[0].CurrentSupply.Equal(decimal.NewFromInt(10)) {
		t.Errorf("supply = %s, want 10", list[0].CurrentSupply)
	}
}

func TestInTx_RollsBackEverything(t *testing.T) {
	s, u, outcomes := seedMemory(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Store) error {
		if err := tx.AdjustUserBalance(ctx, u.ID, decimal.NewFromInt(-40)); err != nil {
			return err
		}
		if err := tx.AdjustOutcome(ctx, outcomes[0].ID, decimal.NewFromInt(10), decimal.NewFromInt(40)); err != nil {
			return err
		}
		if err := tx.UpsertAllocation(ctx, u.ID, outcomes[0].ID, decimal.NewFromInt(10)); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &model.Trade{UserID: u.ID, EventID: outcomes[0].EventID, OutcomeID: outcomes[0].ID, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := s.GetUser(ctx, u.ID)
	if !got.Playmoney.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance = %s, want 100 after rollback", got.Playmoney)
	}
	list, _ := s.ListOutcomesByEvent(ctx, outcomes[0].EventID)
	if !list[0].CurrentSupply.IsZero() {
		t.Errorf("supply = %s, want 0 after rollback", list[0].CurrentSupply)
	}
	if _, err := s.GetAllocation(ctx, u.ID, outcomes[0].ID); !errors.Is(err, ErrNotFound) {
		t.Error("allocation survived rollback")
	}
	trades, _ := s.ListTradesByUser(ctx, u.ID)
	if len(trades) != 0 {
		t.Error("trade survived rollback")
	}
}

func TestInTx_NestedJoinsEnclosing(t *testing.T) {
	s, u, _ := seedMemory(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Store) error {
		return tx.InTx(ctx, func(inner Store) error {
			return inner.AdjustUserBalance(ctx, u.ID, decimal.NewFromInt(-10))
		})
	})
	if err != nil {
		t.Fatalf("nested tx: %v", err)
	}

	got, _ := s.GetUser(ctx, u.ID)
	if !got.Playmoney.Equal(decimal.NewFromInt(90)) {
		t.Errorf("balance = %s, want 90", got.Playmoney)
	}
}

func TestUpsertAllocation(t *testing.T) {
	s, u, outcomes := seedMemory(t)
	ctx := context.Background()
	oid := outcomes[0].ID

	if err := s.UpsertAllocation(ctx, u.ID, oid, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertAllocation(ctx, u.ID, oid, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertAllocation(ctx, u.ID, oid, decimal.NewFromInt(-3)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	a, err := s.GetAllocation(ctx, u.ID, oid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !a.Amount.Equal(decimal.NewFromInt(12)) {
		t.Errorf("amount = %s, want 12", a.Amount)
	}

	allocs, _ := s.ListAllocationsByUser(ctx, u.ID)
	if len(allocs) != 1 {
		t.Errorf("expected a single row per (user, outcome), got %d", len(allocs))
	}
}

func TestGetUserByWallet(t *testing.T) {
	s, u, _ := seedMemory(t)
	ctx := context.Background()

	got, err := s.GetUserByWallet(ctx, u.WalletAddress)
	if err != nil {
		t.Fatalf("get by wallet: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("got user %d, want %d", got.ID, u.ID)
	}

	if _, err := s.GetUserByWallet(ctx, "tb1qnosuch"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateEvent_DuplicateUniqueID(t *testing.T) {
	s, u, _ := seedMemory(t)
	ctx := context.Background()

	ev := &model.Event{UniqueID: "mem-event", Question: "duplicate?", UserID: u.ID}
	err := s.CreateEvent(ctx, ev, []*model.Outcome{{Title: "Yes"}, {Title: "No"}})
	if err == nil {
		t.Error("expected error for duplicate unique ID")
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s, u, outcomes := seedMemory(t)
	ctx := context.Background()

	got, _ := s.GetUser(ctx, u.ID)
	got.Playmoney = decimal.NewFromInt(9999)

	list, _ := s.ListOutcomesByEvent(ctx, outcomes[0].EventID)
	list[0].CurrentSupply = decimal.NewFromInt(9999)

	fresh, _ := s.GetUser(ctx, u.ID)
	if !fresh.Playmoney.Equal(decimal.NewFromInt(100)) {
		t.Error("mutating a read result leaked into the store")
	}
	freshList, _ := s.ListOutcomesByEvent(ctx, outcomes[0].EventID)
	if !freshList[0].CurrentSupply.IsZero() {
		t.Error("mutating a listed outcome leaked into the store")
	}
}

func TestPlatformStats_WindowFilter(t *testing.T) {
	s, u, outcomes := seedMemory(t)
	ctx := context.Background()

	old := &model.Trade{
		UserID: u.ID, EventID: outcomes[0].EventID, OutcomeID: outcomes[0].ID,
		Amount: decimal.NewFromInt(30), CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	recent := &model.Trade{
		UserID: u.ID, EventID: outcomes[0].EventID, OutcomeID: outcomes[0].ID,
		Amount: decimal.NewFromInt(70), CreatedAt: time.Now(),
	}
	if err := s.InsertTrade(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertTrade(ctx, recent); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stats, err := s.PlatformStats(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Trades != 1 {
		t.Errorf("trades = %d, want 1 (window filter)", stats.Trades)
	}
	if !stats.TradeVolume.Equal(decimal.NewFromInt(70)) {
		t.Errorf("volume = %s, want 70", stats.TradeVolume)
	}
}
