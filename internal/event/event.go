// Package event handles prediction event creation: question validation,
// slug derivation, and seeding of the event's outcome rows.
package event

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// Validation bounds for new events.
const (
	MinOutcomes   = 2
	MaxOutcomes   = 10
	MaxQuestion   = 500
	MaxTitleLen   = 100
	minQuestion   = 10
	slugMaxLength = 60
)

var (
	ErrInvalidQuestion = errors.New("event: question must be 10-500 characters")
	ErrInvalidOutcomes = errors.New("event: need between 2 and 10 distinct outcomes")
	ErrInvalidExpiry   = errors.New("event: expiry date must be in the future")
)

// slugStrip removes everything that cannot appear in a unique ID.
var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Params describes a new event before it is persisted.
type Params struct {
	Question           string    `json:"question"`
	Description        string    `json:"description"`
	ResolutionCriteria string    `json:"resolution_criteria"`
	ExpiryDate         time.Time `json:"expiry_date"`
	Outcomes           []string  `json:"outcomes"`
	UserID             int64     `json:"user_id"`
}

// Validate checks the params against the creation bounds.
func (p *Params) Validate() error {
	q := strings.TrimSpace(p.Question)
	if len(q) < minQuestion || len(q) > MaxQuestion {
		return ErrInvalidQuestion
	}
	if len(p.Outcomes) < MinOutcomes || len(p.Outcomes) > MaxOutcomes {
		return ErrInvalidOutcomes
	}
	seen := make(map[string]bool, len(p.Outcomes))
	for _, title := range p.Outcomes {
		title = strings.TrimSpace(title)
		if title == "" || len(title) > MaxTitleLen || seen[strings.ToLower(title)] {
			return ErrInvalidOutcomes
		}
		seen[strings.ToLower(title)] = true
	}
	if !p.ExpiryDate.After(time.Now()) {
		return ErrInvalidExpiry
	}
	return nil
}

// UniqueID derives a URL-safe identifier from a question: a lowercased
// slug plus a short random suffix so near-identical questions never
// collide.
// Example: "Will BTC close above $100k?" -> "will-btc-close-above-100k-1a2b3c4d"
func UniqueID(question string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(question), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > slugMaxLength {
		slug = slug[:slugMaxLength]
		slug = strings.TrimRight(slug, "-")
	}
	suffix := uuid.NewString()[:8]
	if slug == "" {
		return suffix
	}
	return slug + "-" + suffix
}

// Service persists events and their outcome rows.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Create validates the params and persists the event with one outcome
// row per title. Pools are left at zero; market initialization seeds
// them separately.
func (s *Service) Create(ctx context.Context, p *Params) (*model.Event, []*model.Outcome, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	ev := &model.Event{
		UniqueID:           UniqueID(p.Question),
		Question:           strings.TrimSpace(p.Question),
		Description:        strings.TrimSpace(p.Description),
		ResolutionCriteria: strings.TrimSpace(p.ResolutionCriteria),
		Status:             model.EventActive,
		ExpiryDate:         p.ExpiryDate.UTC(),
		UserID:             p.UserID,
		CreatedAt:          time.Now().UTC(),
	}
	outcomes := make([]*model.Outcome, len(p.Outcomes))
	for i, title := range p.Outcomes {
		outcomes[i] = &model.Outcome{Title: strings.TrimSpace(title)}
	}

	if err := s.store.CreateEvent(ctx, ev, outcomes); err != nil {
		return nil, nil, fmt.Errorf("create event: %w", err)
	}
	return ev, outcomes, nil
}

// Get returns an event with its outcomes.
func (s *Service) Get(ctx context.Context, eventID int64) (*model.Event, []model.Outcome, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	outcomes, err := s.store.ListOutcomesByEvent(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	return ev, outcomes, nil
}
