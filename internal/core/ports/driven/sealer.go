package driven

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// Sealer is the pluggable encryption boundary of the vault.
// aad is bound to the ciphertext; Open fails if it differs.
type Sealer interface {
	Seal(ctx context.Context, plaintext, aad []byte) (*domain.SealedBlob, error)

	// Open returns domain.ErrSecretUnreadable when the blob cannot be decrypted
	// (unknown key, tampered ciphertext, wrong aad).
	Open(ctx context.Context, blob *domain.SealedBlob, aad []byte) ([]byte, error)
}

// KeyProvider supplies the master keys that wrap per-secret data keys.
type KeyProvider interface {
	// ActiveKeyID names the key new secrets are wrapped with.
	ActiveKeyID() string

	// WrapKey encrypts a data key under the active master key.
	WrapKey(ctx context.Context, dataKey []byte) (keyID string, wrapped []byte, err error)

	// UnwrapKey decrypts a data key wrapped under keyID.
	UnwrapKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error)
}
