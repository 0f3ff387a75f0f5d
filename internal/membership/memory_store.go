package membership

import (
	"context"
	"sync"
	"time"

	"github.com/doerly/settlement/internal/commission"
)

// MemoryStore is an in-memory membership store for demo/development mode.
type MemoryStore struct {
	members map[string]*Membership
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory membership store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[string]*Membership)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.members[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, rec *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	cp.UpdatedAt = time.Now()
	m.members[rec.UserID] = &cp
	return nil
}

func (m *MemoryStore) ConsumeLifetimeFree(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.members[userID]
	if !ok || rec.LifetimeFreeRemaining <= 0 {
		return ErrNoAllowance
	}
	rec.LifetimeFreeRemaining--
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreditLifetimeFree(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.members[userID]
	if !ok {
		rec = &Membership{UserID: userID, Tier: commission.TierFree}
		m.members[userID] = rec
	}
	rec.LifetimeFreeRemaining++
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ConsumeMonthlyFree(_ context.Context, userID, monthKey string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.members[userID]
	if !ok {
		return ErrNoAllowance
	}
	if rec.MonthKey != monthKey {
		rec.MonthKey = monthKey
		rec.MonthlyFreeUsed = 0
	}
	if rec.MonthlyFreeUsed >= limit {
		return ErrNoAllowance
	}
	rec.MonthlyFreeUsed++
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreditMonthlyFree(_ context.Context, userID, monthKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.members[userID]
	if !ok || rec.MonthKey != monthKey || rec.MonthlyFreeUsed <= 0 {
		return nil
	}
	rec.MonthlyFreeUsed--
	rec.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
