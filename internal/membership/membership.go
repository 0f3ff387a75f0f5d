// Package membership tracks the client-side subscription tier and the
// commission-free contract allowances attached to it.
//
// Counters are consumed with conditional updates so two concurrent
// contract creations cannot spend the same free slot, and credited back
// when contract persistence fails after the decrement.
package membership

import (
	"context"
	"errors"
	"time"

	"github.com/doerly/settlement/internal/commission"
)

var (
	ErrNotFound    = errors.New("membership not found")
	ErrNoAllowance = errors.New("no free-contract allowance remaining")
)

// Membership is a user's tier plus allowance counters. MonthKey anchors
// MonthlyFreeUsed to a calendar month ("2026-08"); a consume under a new
// key resets the counter.
type Membership struct {
	UserID                string          `json:"userId"`
	Tier                  commission.Tier `json:"tier"`
	LifetimeFreeRemaining int             `json:"lifetimeFreeRemaining"`
	MonthlyFreeUsed       int             `json:"monthlyFreeUsed"`
	MonthKey              string          `json:"monthKey"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// MonthKey formats t as the calendar-month key counters are bucketed by.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Store persists membership records.
type Store interface {
	Get(ctx context.Context, userID string) (*Membership, error)
	Upsert(ctx context.Context, m *Membership) error

	// ConsumeLifetimeFree atomically decrements the lifetime counter.
	// Returns ErrNoAllowance if it is already zero.
	ConsumeLifetimeFree(ctx context.Context, userID string) error

	// CreditLifetimeFree atomically increments the lifetime counter.
	// Compensation path for failed contract creation.
	CreditLifetimeFree(ctx context.Context, userID string) error

	// ConsumeMonthlyFree atomically increments the monthly counter for
	// monthKey, provided the result stays within limit. A stored counter
	// under an older month key is reset first.
	ConsumeMonthlyFree(ctx context.Context, userID, monthKey string, limit int) error

	// CreditMonthlyFree atomically decrements the monthly counter for
	// monthKey, not below zero.
	CreditMonthlyFree(ctx context.Context, userID, monthKey string) error
}

// Service reads allowance snapshots and spends/refunds free slots.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a membership service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Get returns the membership record for a user. Users without a record
// are free tier with no allowances.
func (s *Service) Get(ctx context.Context, userID string) (*Membership, error) {
	m, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &Membership{UserID: userID, Tier: commission.TierFree, MonthKey: MonthKey(s.now())}, nil
	}
	return m, err
}

// Allowances returns the commission inputs for a user as of now. A
// monthly counter carried over from a previous month reads as zero.
func (s *Service) Allowances(ctx context.Context, userID string) (commission.Allowances, error) {
	m, err := s.Get(ctx, userID)
	if err != nil {
		return commission.Allowances{}, err
	}
	monthlyUsed := m.MonthlyFreeUsed
	if m.MonthKey != MonthKey(s.now()) {
		monthlyUsed = 0
	}
	return commission.Allowances{
		Tier:              m.Tier,
		LifetimeRemaining: m.LifetimeFreeRemaining,
		MonthlyUsed:       monthlyUsed,
	}, nil
}

// Consume spends the free slot named by the quote. No-op for paid quotes.
func (s *Service) Consume(ctx context.Context, userID string, q commission.Quote) error {
	switch {
	case q.ConsumesLifetimeFree:
		return s.store.ConsumeLifetimeFree(ctx, userID)
	case q.ConsumesMonthlyFree:
		m, err := s.Get(ctx, userID)
		if err != nil {
			return err
		}
		limit := commission.MonthlyFreeContracts(m.Tier)
		return s.store.ConsumeMonthlyFree(ctx, userID, MonthKey(s.now()), limit)
	}
	return nil
}

// Refund re-credits the free slot named by the quote. Compensation for
// contract persistence failures after Consume.
func (s *Service) Refund(ctx context.Context, userID string, q commission.Quote) error {
	switch {
	case q.ConsumesLifetimeFree:
		return s.store.CreditLifetimeFree(ctx, userID)
	case q.ConsumesMonthlyFree:
		return s.store.CreditMonthlyFree(ctx, userID, MonthKey(s.now()))
	}
	return nil
}
