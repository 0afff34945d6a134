package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
	"github.com/maverick-software/agentopia-vault/internal/metrics"
)

// Ensure vaultService implements SecretVault
var _ driving.SecretVault = (*vaultService)(nil)

// VaultConfig holds configuration for the secret vault.
type VaultConfig struct {
	Repository driven.SecretRepository
	Sealer     driven.Sealer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time

	// RetryAttempts bounds write attempts on storage failure (default: 3).
	RetryAttempts uint
	// RetryInterval is the first backoff interval (default: 100ms).
	RetryInterval time.Duration
}

type vaultService struct {
	repo          driven.SecretRepository
	sealer        driven.Sealer
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	retryAttempts uint
	retryInterval time.Duration
}

// NewVault creates the secret vault.
func NewVault(cfg VaultConfig) driving.SecretVault {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 3
	}
	interval := cfg.RetryInterval
	if interval == 0 {
		interval = 100 * time.Millisecond
	}
	return &vaultService{
		repo:          cfg.Repository,
		sealer:        cfg.Sealer,
		logger:        logger.With("component", "vault"),
		metrics:       cfg.Metrics,
		now:           now,
		retryAttempts: attempts,
		retryInterval: interval,
	}
}

// Put seals plaintext under a fresh handle.
func (s *vaultService) Put(ctx context.Context, plaintext string, meta domain.SecretMetadata) (domain.SecretRef, error) {
	if plaintext == "" {
		return domain.SecretRef{}, fmt.Errorf("%w: secret value is empty", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(meta.Label) == "" {
		return domain.SecretRef{}, fmt.Errorf("%w: secret label is required", domain.ErrInvalidInput)
	}

	handle := uuid.NewString()
	sealed, err := s.sealer.Seal(ctx, []byte(plaintext), []byte(handle))
	if err != nil {
		s.metrics.SecretOp("put", err)
		return domain.SecretRef{}, fmt.Errorf("seal secret: %w", err)
	}

	now := s.now()
	rec := &domain.SecretRecord{
		Handle:      handle,
		Label:       meta.Label,
		Description: meta.Description,
		OwnerKind:   meta.OwnerKind,
		OwnerID:     meta.OwnerID,
		Sealed:      sealed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.retry(ctx, func() error {
		return s.repo.Insert(ctx, rec)
	})
	s.metrics.SecretOp("put", err)
	if err != nil {
		s.logger.Error("failed to store secret", "handle", handle, "label", meta.Label, "error", err)
		return domain.SecretRef{}, domain.StorageError("insert secret", err)
	}

	s.logger.Debug("secret stored", "handle", handle, "label", meta.Label, "key_id", sealed.KeyID)
	return domain.HandleRef(handle), nil
}

// Get dispatches on the ref kind. Legacy refs are never guessed at here.
func (s *vaultService) Get(ctx context.Context, ref domain.SecretRef) (string, error) {
	actor, ok := domain.TrustedActor(ctx)
	if !ok {
		return "", fmt.Errorf("%w: secret reads require trusted execution", domain.ErrUnauthorized)
	}

	rec, err := s.lookup(ctx, ref)
	if err != nil {
		s.metrics.SecretOp("get", err)
		return "", err
	}

	plaintext, err := s.open(ctx, rec)
	s.metrics.SecretOp("get", err)
	if err != nil {
		return "", err
	}

	s.logger.Debug("secret read", "handle", rec.Handle, "actor", actor)
	return plaintext, nil
}

// Rotate re-seals the record under the active master key.
func (s *vaultService) Rotate(ctx context.Context, ref domain.SecretRef, plaintext string) (domain.SecretRef, error) {
	if plaintext == "" {
		return domain.SecretRef{}, fmt.Errorf("%w: secret value is empty", domain.ErrInvalidInput)
	}

	rec, err := s.lookup(ctx, ref)
	if err != nil {
		return domain.SecretRef{}, err
	}

	sealed, err := s.sealer.Seal(ctx, []byte(plaintext), []byte(rec.Handle))
	if err != nil {
		return domain.SecretRef{}, fmt.Errorf("seal secret: %w", err)
	}

	err = s.retry(ctx, func() error {
		return s.repo.Replace(ctx, rec.Handle, sealed)
	})
	s.metrics.SecretOp("rotate", err)
	if err != nil {
		return domain.SecretRef{}, domain.StorageError("replace secret", err)
	}

	s.logger.Info("secret rotated", "handle", rec.Handle, "key_id", sealed.KeyID)
	return rec.Ref(), nil
}

// Delete removes the secret; a missing secret is not an error.
func (s *vaultService) Delete(ctx context.Context, ref domain.SecretRef) error {
	var handle string
	switch ref.Kind {
	case domain.SecretKindHandle:
		handle = ref.Value
	case domain.SecretKindLabel:
		rec, err := s.repo.GetByLabel(ctx, ref.Value)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return domain.StorageError("get secret by label", err)
		}
		handle = rec.Handle
	case domain.SecretKindLegacy:
		// Legacy values are owned by nobody in the vault.
		return nil
	default:
		return fmt.Errorf("%w: unknown secret ref kind %q", domain.ErrInvalidInput, ref.Kind)
	}

	err := s.retry(ctx, func() error {
		return s.repo.Delete(ctx, handle)
	})
	if errors.Is(err, domain.ErrNotFound) {
		err = nil
	}
	s.metrics.SecretOp("delete", err)
	if err != nil {
		return domain.StorageError("delete secret", err)
	}
	s.logger.Debug("secret deleted", "handle", handle)
	return nil
}

func (s *vaultService) lookup(ctx context.Context, ref domain.SecretRef) (*domain.SecretRecord, error) {
	var (
		rec *domain.SecretRecord
		err error
	)
	switch ref.Kind {
	case domain.SecretKindHandle:
		rec, err = s.repo.GetByHandle(ctx, ref.Value)
	case domain.SecretKindLabel:
		rec, err = s.repo.GetByLabel(ctx, ref.Value)
	case domain.SecretKindLegacy:
		return nil, domain.ErrUnresolvedRef
	default:
		return nil, fmt.Errorf("%w: unknown secret ref kind %q", domain.ErrInvalidInput, ref.Kind)
	}
	if err != nil {
		return nil, domain.StorageError("get secret", err)
	}
	return rec, nil
}

func (s *vaultService) open(ctx context.Context, rec *domain.SecretRecord) (string, error) {
	if rec.Sealed == nil {
		return "", fmt.Errorf("%w: secret %s has no sealed material", domain.ErrSecretUnreadable, rec.Handle)
	}
	plaintext, err := s.sealer.Open(ctx, rec.Sealed, []byte(rec.Handle))
	if err != nil {
		s.logger.Error("failed to open secret", "handle", rec.Handle, "key_id", rec.Sealed.KeyID, "error", err)
		if errors.Is(err, domain.ErrSecretUnreadable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrSecretUnreadable, err)
	}
	return string(plaintext), nil
}

// retry runs a write with exponential backoff while it fails with a storage
// failure. Any other error stops immediately.
func (s *vaultService) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.retryAttempts))
	return err
}

// isTransient reports whether a backend error may succeed on retry. Unclassified
// driver errors count as transient; domain classifications never do.
func isTransient(err error) bool {
	if domain.IsRetryable(err) {
		return true
	}
	for _, known := range []error{domain.ErrNotFound, domain.ErrAlreadyExists, domain.ErrConflict, domain.ErrInvalidInput, domain.ErrUnauthorized} {
		if errors.Is(err, known) {
			return false
		}
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
