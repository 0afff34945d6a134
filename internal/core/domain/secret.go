package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SecretKind discriminates how a SecretRef is resolved.
type SecretKind string

const (
	// SecretKindHandle is an opaque vault handle (UUID).
	SecretKindHandle SecretKind = "handle"

	// SecretKindLabel addresses a secret by its human label.
	SecretKindLabel SecretKind = "label"

	// SecretKindLegacy is an untagged value written before the vault existed.
	// It may be a handle, a label or a literal credential; only the import
	// shim is allowed to find out which.
	SecretKindLegacy SecretKind = "legacy"
)

// SecretRef is the opaque pointer returned by the secret vault.
// Callers store and pass it around but never build one from parts.
type SecretRef struct {
	Kind  SecretKind `json:"kind"`
	Value string     `json:"-"` // Never serialize: legacy refs may hold literal credentials
}

// String returns the persisted text form ("handle:<uuid>", "label:<name>"
// or the raw legacy value).
func (r SecretRef) String() string {
	switch r.Kind {
	case SecretKindHandle, SecretKindLabel:
		return string(r.Kind) + ":" + r.Value
	default:
		return r.Value
	}
}

// IsZero reports whether the ref is empty.
func (r SecretRef) IsZero() bool {
	return r.Value == ""
}

// ParseSecretRef parses the persisted text form of a ref.
// Text without a recognised tag becomes a legacy ref.
func ParseSecretRef(s string) SecretRef {
	if rest, ok := strings.CutPrefix(s, string(SecretKindHandle)+":"); ok {
		if _, err := uuid.Parse(rest); err == nil {
			return SecretRef{Kind: SecretKindHandle, Value: rest}
		}
	}
	if rest, ok := strings.CutPrefix(s, string(SecretKindLabel)+":"); ok && rest != "" {
		return SecretRef{Kind: SecretKindLabel, Value: rest}
	}
	return SecretRef{Kind: SecretKindLegacy, Value: s}
}

// HandleRef wraps a vault handle.
func HandleRef(handle string) SecretRef {
	return SecretRef{Kind: SecretKindHandle, Value: handle}
}

// IsHandle reports whether s parses as a vault handle.
func IsHandle(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// SecretOwnerKind identifies what kind of record owns a secret.
type SecretOwnerKind string

const (
	SecretOwnerConnection SecretOwnerKind = "connection"
	SecretOwnerProvider   SecretOwnerKind = "provider"
)

// SecretMetadata is the non-secret information supplied with Put.
type SecretMetadata struct {
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
	OwnerKind   SecretOwnerKind `json:"owner_kind,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
}

// SealedBlob is envelope-encrypted material: the ciphertext is sealed with a
// per-secret data key which is itself wrapped by the master key KeyID.
type SealedBlob struct {
	KeyID      string `json:"key_id"`
	WrappedKey []byte `json:"wrapped_key"`
	Ciphertext []byte `json:"ciphertext"`
}

// SecretRecord is one row of the secret table.
// Sealed is nil when the record was loaded for listing.
type SecretRecord struct {
	Handle      string          `json:"handle"`
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
	OwnerKind   SecretOwnerKind `json:"owner_kind,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Sealed      *SealedBlob     `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Ref returns the handle ref for the record.
func (s *SecretRecord) Ref() SecretRef {
	return HandleRef(s.Handle)
}

// ResolutionSource tells how Resolve found the plaintext.
type ResolutionSource string

const (
	ResolvedByHandle ResolutionSource = "handle"
	ResolvedByLabel  ResolutionSource = "label"
	ResolvedLiteral  ResolutionSource = "literal"
)

// Resolution is the outcome of resolving an untagged identifier.
type Resolution struct {
	Plaintext string
	Source    ResolutionSource
	// Handle and the owner fields are set when the identifier matched a
	// stored secret.
	Handle    string
	OwnerKind SecretOwnerKind
	OwnerID   string
}

type trustedKey struct{}

// WithTrustedExecution marks ctx as running inside the trusted execution
// boundary. Only such contexts may read plaintext secrets.
func WithTrustedExecution(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, trustedKey{}, actor)
}

// TrustedActor returns the trusted actor recorded on ctx, if any.
func TrustedActor(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(trustedKey{}).(string)
	return actor, ok && actor != ""
}
