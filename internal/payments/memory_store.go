package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments map[string]*Payment
	byOrder  map[string]string // gateway order ID → payment ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		byOrder:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments[p.ID] = &cp
	if p.GatewayOrderID != "" {
		m.byOrder[p.GatewayOrderID] = p.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByOrderID(_ context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *m.payments[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if stored.Version != p.Version {
		return ErrConflict
	}
	p.Version++
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.PayerID == userID || p.RecipientID == userID {
			cp := *p
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByContract(_ context.Context, contractID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.ContractID == contractID {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status == StatusPending && p.CreatedAt.Before(before) {
			cp := *p
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
