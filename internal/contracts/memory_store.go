package contracts

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory contract store for demo/development mode.
type MemoryStore struct {
	contracts map[string]*Contract
	byJob     map[string]string // job ID → contract ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*Contract),
		byJob:     make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.contracts[c.ID] = &cp
	if c.JobID != "" {
		m.byJob[c.JobID] = c.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetByJob(_ context.Context, jobID string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byJob[jobID]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *m.contracts[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.contracts[c.ID]
	if !ok {
		return ErrContractNotFound
	}
	if stored.Version != c.Version {
		return ErrConflict
	}
	c.Version++
	cp := *c
	m.contracts[c.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, status string, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.ClientID != userID && c.DoerID != userID {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListCompletionDue(_ context.Context, before time.Time, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.Status == StatusActive && c.CompletionRequestedAt != nil && c.CompletionRequestedAt.Before(before) {
			cp := *c
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
