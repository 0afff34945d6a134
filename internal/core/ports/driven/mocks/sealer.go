package mocks

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// MockSealer is a reversible, non-cryptographic Sealer for testing.
// The ciphertext is aad || 0x00 || reversed plaintext so tests can assert that
// plaintext never reaches storage verbatim.
type MockSealer struct {
	KeyID string
	seals atomic.Int64

	SealFn func(plaintext []byte) error
	OpenFn func(blob *domain.SealedBlob) error
}

// NewMockSealer creates a new MockSealer
func NewMockSealer() *MockSealer {
	return &MockSealer{KeyID: "test-key"}
}

func (m *MockSealer) Seal(ctx context.Context, plaintext, aad []byte) (*domain.SealedBlob, error) {
	if m.SealFn != nil {
		if err := m.SealFn(plaintext); err != nil {
			return nil, err
		}
	}
	m.seals.Add(1)
	ct := make([]byte, 0, len(aad)+1+len(plaintext))
	ct = append(ct, aad...)
	ct = append(ct, 0)
	for i := len(plaintext) - 1; i >= 0; i-- {
		ct = append(ct, plaintext[i])
	}
	return &domain.SealedBlob{KeyID: m.KeyID, WrappedKey: []byte("wrapped"), Ciphertext: ct}, nil
}

func (m *MockSealer) Open(ctx context.Context, blob *domain.SealedBlob, aad []byte) ([]byte, error) {
	if m.OpenFn != nil {
		if err := m.OpenFn(blob); err != nil {
			return nil, err
		}
	}
	prefix := append(append([]byte(nil), aad...), 0)
	if blob == nil || !bytes.HasPrefix(blob.Ciphertext, prefix) {
		return nil, domain.ErrSecretUnreadable
	}
	body := blob.Ciphertext[len(prefix):]
	out := make([]byte, len(body))
	for i := range body {
		out[len(body)-1-i] = body[i]
	}
	return out, nil
}

// Seals returns how many times Seal succeeded.
func (m *MockSealer) Seals() int64 {
	return m.seals.Load()
}
