package market

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openpredict/market-engine/internal/cpmm"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// State is an event's market state: the share vector the CPMM prices
// against, parallel to the outcome rows it came from.
//
// Shares carries the read-time MIN_SHARES clamp; Outcomes carries the
// raw stored values (liquidity checks use the stored pool, not the
// clamped one).
type State struct {
	Shares   []decimal.Decimal
	Outcomes []model.Outcome
}

// loadState reads an event's outcome pools. An event with no outcomes
// fails with store.ErrNotFound.
func loadState(ctx context.Context, st store.Store, eventID int64) (*State, error) {
	outcomes, err := st.ListOutcomesByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("event %d outcomes: %w", eventID, store.ErrNotFound)
	}

	shares := make([]decimal.Decimal, len(outcomes))
	for i, o := range outcomes {
		shares[i] = cpmm.ClampSupply(o.CurrentSupply)
	}
	return &State{Shares: shares, Outcomes: outcomes}, nil
}

// index returns the position of an outcome within the state, or -1.
func (s *State) index(outcomeID int64) int {
	for i, o := range s.Outcomes {
		if o.ID == outcomeID {
			return i
		}
	}
	return -1
}

// sharesWith returns a copy of the share vector with a delta applied to
// one outcome.
func (s *State) sharesWith(idx int, delta decimal.Decimal) []decimal.Decimal {
	next := make([]decimal.Decimal, len(s.Shares))
	copy(next, s.Shares)
	next[idx] = next[idx].Add(delta)
	return next
}
