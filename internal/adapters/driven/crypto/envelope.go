package crypto

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.Sealer = (*Envelope)(nil)

// Envelope seals each value under a fresh data key and stores the data key
// wrapped by the key provider next to the ciphertext.
type Envelope struct {
	keys driven.KeyProvider
}

// NewEnvelope creates an envelope sealer over keys.
func NewEnvelope(keys driven.KeyProvider) *Envelope {
	return &Envelope{keys: keys}
}

// Seal encrypts plaintext bound to aad.
func (e *Envelope) Seal(ctx context.Context, plaintext, aad []byte) (*domain.SealedBlob, error) {
	dataKey := make([]byte, keySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	defer clear(dataKey)

	b, err := newBox(dataKey)
	if err != nil {
		return nil, err
	}
	ciphertext, err := b.seal(plaintext, aad)
	if err != nil {
		return nil, err
	}

	keyID, wrapped, err := e.keys.WrapKey(ctx, dataKey)
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}

	return &domain.SealedBlob{
		KeyID:      keyID,
		WrappedKey: wrapped,
		Ciphertext: ciphertext,
	}, nil
}

// Open decrypts blob. Any failure is reported as domain.ErrSecretUnreadable.
func (e *Envelope) Open(ctx context.Context, blob *domain.SealedBlob, aad []byte) ([]byte, error) {
	if blob == nil {
		return nil, fmt.Errorf("%w: empty blob", domain.ErrSecretUnreadable)
	}

	dataKey, err := e.keys.UnwrapKey(ctx, blob.KeyID, blob.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap data key under %q: %v", domain.ErrSecretUnreadable, blob.KeyID, err)
	}
	defer clear(dataKey)

	b, err := newBox(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSecretUnreadable, err)
	}
	plaintext, err := b.open(blob.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSecretUnreadable, err)
	}
	return plaintext, nil
}
