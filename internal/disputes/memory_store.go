package disputes

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	messages map[string][]*Message
	evidence map[string][]*Evidence
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		messages: make(map[string][]*Message),
		evidence: make(map[string][]*Evidence),
	}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetOpenByContract(_ context.Context, contractID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.ContractID == contractID && d.IsOpen() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if stored.Version != d.Version {
		return ErrConflict
	}
	d.Version++
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListOpenPastDeadline(_ context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusOpen && d.ResponseDeadline.Before(before) {
			cp := *d
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) AddMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.DisputeID] = append(m.messages[msg.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, disputeID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages[disputeID] {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) AddEvidence(_ context.Context, e *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.evidence[e.DisputeID] = append(m.evidence[e.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListEvidence(_ context.Context, disputeID string) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Evidence
	for _, e := range m.evidence[disputeID] {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
