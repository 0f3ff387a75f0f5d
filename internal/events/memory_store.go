package events

import (
	"context"
	"errors"
	"sync"
)

// ErrSubscriptionNotFound is returned when a subscription does not exist.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetByOwner(_ context.Context, ownerID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerID == ownerID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				cp := *sub
				result = append(result, &cp)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
