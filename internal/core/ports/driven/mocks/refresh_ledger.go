package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// MockRefreshLedger is an in-memory RefreshLedger for testing. TTLs are ignored.
type MockRefreshLedger struct {
	mu      sync.Mutex
	pending map[string]*domain.PendingRefresh

	SaveFn   func(p *domain.PendingRefresh) error
	DeleteFn func(connectionID, fingerprint string) error
}

// NewMockRefreshLedger creates a new MockRefreshLedger
func NewMockRefreshLedger() *MockRefreshLedger {
	return &MockRefreshLedger{pending: make(map[string]*domain.PendingRefresh)}
}

func (m *MockRefreshLedger) Save(ctx context.Context, p *domain.PendingRefresh, ttl time.Duration) error {
	if m.SaveFn != nil {
		if err := m.SaveFn(p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.pending[p.ConnectionID] = &c
	return nil
}

func (m *MockRefreshLedger) Get(ctx context.Context, connectionID string) (*domain.PendingRefresh, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[connectionID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (m *MockRefreshLedger) Delete(ctx context.Context, connectionID, fingerprint string) error {
	if m.DeleteFn != nil {
		if err := m.DeleteFn(connectionID, fingerprint); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[connectionID]; ok && p.Fingerprint == fingerprint {
		delete(m.pending, connectionID)
	}
	return nil
}

// Len returns the number of pending entries (for test assertions).
func (m *MockRefreshLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
