package mocks

import (
	"context"
	"sync"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// MockTokenEndpoint is a scripted TokenEndpoint for testing.
type MockTokenEndpoint struct {
	mu           sync.Mutex
	refreshCalls int
	revoked      []string

	RefreshFn func(provider *domain.Provider, clientSecret, refreshToken string) (*domain.IssuedToken, error)
	RevokeFn  func(provider *domain.Provider, token string) error
}

// NewMockTokenEndpoint creates a new MockTokenEndpoint
func NewMockTokenEndpoint() *MockTokenEndpoint {
	return &MockTokenEndpoint{}
}

func (m *MockTokenEndpoint) Refresh(ctx context.Context, provider *domain.Provider, clientSecret, refreshToken string) (*domain.IssuedToken, error) {
	m.mu.Lock()
	m.refreshCalls++
	n := m.refreshCalls
	m.mu.Unlock()

	if m.RefreshFn != nil {
		return m.RefreshFn(provider, clientSecret, refreshToken)
	}
	return &domain.IssuedToken{
		AccessToken:  "access-" + string(rune('0'+n%10)) + "-" + refreshToken,
		RefreshToken: refreshToken,
		ExpiresIn:    3600,
	}, nil
}

func (m *MockTokenEndpoint) Revoke(ctx context.Context, provider *domain.Provider, clientSecret, token string) error {
	if m.RevokeFn != nil {
		if err := m.RevokeFn(provider, token); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, token)
	return nil
}

// RefreshCalls returns how many times Refresh was called.
func (m *MockTokenEndpoint) RefreshCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

// Revoked returns the tokens passed to Revoke.
func (m *MockTokenEndpoint) Revoked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.revoked...)
}
