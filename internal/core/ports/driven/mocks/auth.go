package mocks

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

var _ driven.AuthAdapter = (*MockAuthAdapter)(nil)

const (
	mockHashPrefix  = "hash:"
	mockTokenPrefix = "mock."
)

// MockAuthAdapter issues unsigned tokens ("mock." + base64 JSON claims) and
// marker key hashes ("hash:" + key). It enforces the same claim rules as the
// JWT adapter: subject and known role required, expiry honoured.
type MockAuthAdapter struct {
	now func() time.Time
}

// NewMockAuthAdapter returns a mock on the wall clock.
func NewMockAuthAdapter() *MockAuthAdapter {
	return &MockAuthAdapter{now: time.Now}
}

func (m *MockAuthAdapter) HashKey(key string) (string, error) {
	return mockHashPrefix + key, nil
}

func (m *MockAuthAdapter) VerifyKey(key, hash string) bool {
	return key != "" && hash == mockHashPrefix+key
}

func (m *MockAuthAdapter) GenerateToken(claims *domain.TokenClaims) (string, error) {
	if claims.UserID == "" || !claims.Role.IsValid() {
		return "", fmt.Errorf("%w: token needs a subject and a known role", domain.ErrInvalidInput)
	}
	data, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return mockTokenPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

func (m *MockAuthAdapter) ParseToken(token string) (*domain.TokenClaims, error) {
	payload, ok := strings.CutPrefix(token, mockTokenPrefix)
	if !ok {
		return nil, domain.ErrTokenInvalid
	}
	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, domain.ErrTokenInvalid
	}

	var claims domain.TokenClaims
	if err := json.Unmarshal(data, &claims); err != nil || claims.UserID == "" || !claims.Role.IsValid() {
		return nil, domain.ErrTokenInvalid
	}
	if claims.ExpiresAt != 0 && m.now().Unix() >= claims.ExpiresAt {
		return nil, domain.ErrTokenExpired
	}
	return &claims, nil
}
