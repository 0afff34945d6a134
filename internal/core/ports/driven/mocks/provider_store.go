package mocks

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// MockProviderStore is an in-memory ProviderStore for testing.
type MockProviderStore struct {
	mu        sync.RWMutex
	providers map[string]*domain.Provider
	gets      atomic.Int64
}

// NewMockProviderStore creates a new MockProviderStore
func NewMockProviderStore() *MockProviderStore {
	return &MockProviderStore{providers: make(map[string]*domain.Provider)}
}

func (m *MockProviderStore) Save(ctx context.Context, p *domain.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name] = p.Clone()
	return nil
}

func (m *MockProviderStore) Get(ctx context.Context, name string) (*domain.Provider, error) {
	m.gets.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MockProviderStore) List(ctx context.Context, enabledOnly bool) ([]*domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.Provider
	for _, p := range m.providers {
		if enabledOnly && !p.Enabled {
			continue
		}
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Gets returns how many times Get was called (for cache assertions).
func (m *MockProviderStore) Gets() int64 {
	return m.gets.Load()
}
