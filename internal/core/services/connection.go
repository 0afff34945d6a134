package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
	"github.com/maverick-software/agentopia-vault/internal/metrics"
)

// Ensure connectionManager implements ConnectionManager
var _ driving.ConnectionManager = (*connectionManager)(nil)

const (
	defaultConnectionName = "default"

	// internalActor is the trusted actor recorded when the vault reads its own
	// secrets (provider revocation, refresh).
	internalActor = "vault"
)

// ConnectionManagerConfig holds configuration for the connection manager.
type ConnectionManagerConfig struct {
	Connections driven.ConnectionStore
	Providers   driven.ProviderStore
	Vault       driving.SecretVault

	// Tokens revokes tokens at the provider on RevokeConnection (optional).
	Tokens driven.TokenEndpoint

	// Ledger holds refreshed tokens not yet applied. Material supplied by the
	// user discards them (optional).
	Ledger driven.RefreshLedger

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	// ResolveAttempts bounds re-reads when a concurrent update swapped the
	// secret being resolved (default: 3).
	ResolveAttempts int
}

type connectionManager struct {
	connections     driven.ConnectionStore
	providers       driven.ProviderStore
	vault           driving.SecretVault
	tokens          driven.TokenEndpoint
	ledger          driven.RefreshLedger
	logger          *slog.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
	resolveAttempts int
	locks           *keyedMutex
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager(cfg ConnectionManagerConfig) driving.ConnectionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	attempts := cfg.ResolveAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &connectionManager{
		connections:     cfg.Connections,
		providers:       cfg.Providers,
		vault:           cfg.Vault,
		tokens:          cfg.Tokens,
		ledger:          cfg.Ledger,
		logger:          logger.With("component", "connection_manager"),
		metrics:         cfg.Metrics,
		now:             now,
		resolveAttempts: attempts,
		locks:           newKeyedMutex(),
	}
}

// CreateConnection stores credential material and activates the connection.
// On a storage failure the connection is left in error and returned along
// with the error.
func (s *connectionManager) CreateConnection(ctx context.Context, req driving.CreateConnectionRequest) (*domain.Connection, error) {
	if req.UserID == "" || req.ProviderName == "" {
		return nil, fmt.Errorf("%w: user and provider are required", domain.ErrInvalidInput)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultConnectionName
	}

	provider, err := s.providers.Get(ctx, req.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", req.ProviderName, err)
	}
	if !provider.Enabled {
		return nil, fmt.Errorf("%w: provider %s is disabled", domain.ErrInvalidInput, provider.Name)
	}

	scopes := domain.NewScopeSet(req.Scopes...)
	if err := validateMaterial(provider, req.Material, scopes); err != nil {
		return nil, err
	}

	now := s.now()
	conn := &domain.Connection{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ProviderName: provider.Name,
		Name:         name,
		AccountID:    req.AccountID,
		Scopes:       scopes,
		Status:       domain.ConnectionPending,
		AuthMethod:   provider.AuthMethod,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.connections.Create(ctx, conn); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s connection %q already exists", domain.ErrAlreadyExists, provider.Name, name)
		}
		return nil, domain.StorageError("create connection", err)
	}

	access, refresh, err := s.putMaterial(ctx, conn, req.Material)
	if err != nil {
		s.logger.Error("failed to store connection secrets",
			"connection_id", conn.ID, "provider", conn.ProviderName, "op", "create", "error", err)
		return s.fail(ctx, conn, err)
	}

	next := conn.Clone()
	next.AccessSecret = access
	next.RefreshSecret = refresh
	next.Status = domain.ConnectionActive
	next.ExpiresAt = s.expiry(provider, req.Material.ExpiresIn)
	next.UpdatedAt = s.now()
	if err := s.connections.Update(ctx, next, conn.Generation); err != nil {
		s.deleteRefs(ctx, conn.ID, access, refresh)
		s.logger.Error("failed to activate connection",
			"connection_id", conn.ID, "provider", conn.ProviderName, "op", "create", "error", err)
		return s.fail(ctx, conn, err)
	}

	s.metrics.Transition(string(domain.ConnectionActive))
	s.logger.Info("connection created", "connection_id", next.ID, "user_id", next.UserID, "provider", next.ProviderName, "name", next.Name)
	return next, nil
}

// fail moves a pending connection to error and reports cause as a storage failure.
func (s *connectionManager) fail(ctx context.Context, conn *domain.Connection, cause error) (*domain.Connection, error) {
	if !errors.Is(cause, domain.ErrStorageFailure) {
		cause = fmt.Errorf("%w: %v", domain.ErrStorageFailure, cause)
	}

	errored := conn.Clone()
	errored.Status = domain.ConnectionError
	errored.LastError = "failed to store credentials"
	errored.UpdatedAt = s.now()
	if err := s.connections.Update(ctx, errored, conn.Generation); err != nil {
		s.logger.Error("failed to mark connection errored", "connection_id", conn.ID, "error", err)
		errored = conn
	} else {
		s.metrics.Transition(string(domain.ConnectionError))
	}
	return errored, fmt.Errorf("create connection: %w", cause)
}

// UpdateConnection swaps in new credential material. New secrets are written
// first, the refs are swapped with a generation check, and only then are the
// old secrets deleted, so readers never observe a ref without a secret.
func (s *connectionManager) UpdateConnection(ctx context.Context, id string, req driving.UpdateConnectionRequest) (*domain.Connection, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	conn, err := s.connections.Get(ctx, id)
	if err != nil {
		return nil, domain.StorageError("get connection", err)
	}
	if !conn.IsLive() {
		return nil, fmt.Errorf("%w: connection %s is revoked", domain.ErrInvalidState, id)
	}
	if req.ExpectedGeneration != 0 && conn.Generation != req.ExpectedGeneration {
		return nil, fmt.Errorf("%w: connection %s is at generation %d, expected %d",
			domain.ErrConflict, id, conn.Generation, req.ExpectedGeneration)
	}

	provider, err := s.providers.Get(ctx, conn.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", conn.ProviderName, err)
	}

	scopes := conn.Scopes
	if req.Scopes != nil {
		scopes = domain.NewScopeSet(req.Scopes...)
	}
	if err := validateMaterial(provider, req.Material, scopes); err != nil {
		return nil, err
	}

	access, refresh, err := s.putMaterial(ctx, conn, req.Material)
	if err != nil {
		s.logger.Error("failed to store connection secrets",
			"connection_id", conn.ID, "provider", conn.ProviderName, "op", "update", "error", err)
		return nil, fmt.Errorf("update connection: %w", err)
	}

	next := conn.Clone()
	next.Scopes = scopes
	next.AccessSecret = access
	if refresh != nil {
		next.RefreshSecret = refresh
	}
	next.Status = domain.ConnectionActive
	next.ExpiresAt = s.expiry(provider, req.Material.ExpiresIn)
	next.LastError = ""
	if req.Fingerprint != "" {
		next.LastRefreshFingerprint = req.Fingerprint
	}
	next.UpdatedAt = s.now()

	if err := s.connections.Update(ctx, next, conn.Generation); err != nil {
		s.deleteRefs(ctx, conn.ID, access, refresh)
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: connection %s changed concurrently", domain.ErrConflict, id)
		}
		s.logger.Error("failed to swap connection secrets",
			"connection_id", conn.ID, "provider", conn.ProviderName, "op", "update", "error", err)
		return nil, domain.StorageError("update connection", err)
	}

	var oldRefresh *domain.SecretRef
	if refresh != nil {
		oldRefresh = conn.RefreshSecret
	}
	s.deleteRefs(ctx, conn.ID, conn.AccessSecret, oldRefresh)
	if req.Fingerprint == "" {
		s.discardPendingRefresh(ctx, conn.ID)
	}

	if conn.Status != domain.ConnectionActive {
		s.metrics.Transition(string(domain.ConnectionActive))
	}
	s.logger.Info("connection updated", "connection_id", next.ID, "provider", next.ProviderName, "generation", next.Generation)
	return next, nil
}

// RevokeConnection revokes the connection and deletes its secrets. Revoking a
// revoked connection succeeds.
func (s *connectionManager) RevokeConnection(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	conn, err := s.connections.Get(ctx, id)
	if err != nil {
		return domain.StorageError("get connection", err)
	}
	if !conn.IsLive() {
		return nil
	}

	s.revokeAtProvider(ctx, conn)

	next := conn.Clone()
	next.Status = domain.ConnectionRevoked
	next.AccessSecret = nil
	next.RefreshSecret = nil
	now := s.now()
	next.RevokedAt = &now
	next.UpdatedAt = now
	if err := s.connections.Update(ctx, next, conn.Generation); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("%w: connection %s changed concurrently", domain.ErrConflict, id)
		}
		return domain.StorageError("revoke connection", err)
	}

	s.deleteRefs(ctx, conn.ID, conn.AccessSecret, conn.RefreshSecret)
	s.metrics.Transition(string(domain.ConnectionRevoked))
	s.logger.Info("connection revoked", "connection_id", conn.ID, "provider", conn.ProviderName)
	return nil
}

// revokeAtProvider asks the provider to revoke the connection's tokens.
// Failures are logged; the local revocation proceeds regardless.
func (s *connectionManager) revokeAtProvider(ctx context.Context, conn *domain.Connection) {
	if s.tokens == nil || conn.AuthMethod != domain.AuthMethodOAuth {
		return
	}
	provider, err := s.providers.Get(ctx, conn.ProviderName)
	if err != nil || provider.RevocationURL == "" {
		return
	}

	trusted := domain.WithTrustedExecution(ctx, internalActor)
	clientSecret := ""
	if provider.ClientSecret != nil {
		if clientSecret, err = s.vault.Get(trusted, *provider.ClientSecret); err != nil {
			s.logger.Warn("provider revocation skipped: client secret unreadable", "connection_id", conn.ID, "provider", provider.Name, "error", err)
			return
		}
	}

	for _, ref := range []*domain.SecretRef{conn.RefreshSecret, conn.AccessSecret} {
		if ref == nil {
			continue
		}
		token, err := s.vault.Get(trusted, *ref)
		if err != nil {
			continue
		}
		if err := s.tokens.Revoke(ctx, provider, clientSecret, token); err != nil {
			s.logger.Warn("provider token revocation failed", "connection_id", conn.ID, "provider", provider.Name, "error", err)
		}
	}
}

// GetActiveConnection finds the user's active connection for a provider.
func (s *connectionManager) GetActiveConnection(ctx context.Context, userID, providerName string, name *string) (*domain.Connection, error) {
	return s.connections.FindActive(ctx, userID, providerName, name)
}

// GetConnection retrieves a connection by ID.
func (s *connectionManager) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	return s.connections.Get(ctx, id)
}

// ListConnections returns a user's connections.
func (s *connectionManager) ListConnections(ctx context.Context, userID string) ([]*domain.Connection, error) {
	return s.connections.ListByUser(ctx, userID)
}

// MarkStatus moves a connection to status.
func (s *connectionManager) MarkStatus(ctx context.Context, id string, status domain.ConnectionStatus, reason string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	conn, err := s.connections.Get(ctx, id)
	if err != nil {
		return domain.StorageError("get connection", err)
	}
	if conn.Status == status && conn.LastError == reason {
		return nil
	}
	if !conn.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: cannot move connection from %s to %s", domain.ErrInvalidState, conn.Status, status)
	}

	next := conn.Clone()
	next.Status = status
	next.LastError = reason
	next.UpdatedAt = s.now()
	if err := s.connections.Update(ctx, next, conn.Generation); err != nil {
		return domain.StorageError("update connection status", err)
	}

	if conn.Status != status {
		s.metrics.Transition(string(status))
	}
	s.logger.Info("connection status changed", "connection_id", id, "provider", conn.ProviderName, "from", conn.Status, "to", status, "reason", reason)
	return nil
}

// ResolveCredential returns the access credential of an active connection.
// A concurrent update may delete the secret the first read pointed at; the
// connection is then re-read and the new secret returned.
func (s *connectionManager) ResolveCredential(ctx context.Context, id string) (*domain.Credential, error) {
	if _, ok := domain.TrustedActor(ctx); !ok {
		return nil, fmt.Errorf("%w: credential reads require trusted execution", domain.ErrUnauthorized)
	}

	var lastErr error
	for attempt := 0; attempt < s.resolveAttempts; attempt++ {
		conn, err := s.connections.Get(ctx, id)
		if err != nil {
			return nil, domain.StorageError("get connection", err)
		}
		if !conn.IsActive() {
			return nil, fmt.Errorf("%w: connection %s is %s", domain.ErrInvalidState, id, conn.Status)
		}
		if conn.IsExpiredAt(s.now()) {
			return nil, fmt.Errorf("%w: connection %s has expired", domain.ErrInvalidState, id)
		}
		if conn.AccessSecret == nil {
			return nil, fmt.Errorf("%w: connection %s has no access secret", domain.ErrSecretUnreadable, id)
		}

		token, err := s.vault.Get(ctx, *conn.AccessSecret)
		if err == nil {
			if terr := s.connections.TouchLastUsed(ctx, id, s.now()); terr != nil {
				s.logger.Debug("failed to record connection use", "connection_id", id, "error", terr)
			}
			return &domain.Credential{
				ConnectionID: conn.ID,
				ProviderName: conn.ProviderName,
				AuthMethod:   conn.AuthMethod,
				AccessToken:  token,
				ExpiresAt:    conn.ExpiresAt,
			}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		lastErr = err

		current, gerr := s.connections.Get(ctx, id)
		if gerr != nil {
			return nil, domain.StorageError("get connection", gerr)
		}
		if current.Generation == conn.Generation {
			break
		}
	}

	s.logger.Error("active connection references a missing secret", "connection_id", id, "error", lastErr)
	return nil, fmt.Errorf("%w: access secret of connection %s is missing", domain.ErrSecretUnreadable, id)
}

func (s *connectionManager) putMaterial(ctx context.Context, conn *domain.Connection, m domain.CredentialMaterial) (access, refresh *domain.SecretRef, err error) {
	ref, err := s.vault.Put(ctx, m.AccessToken, domain.SecretMetadata{
		Label:       secretLabel(conn, "access"),
		Description: fmt.Sprintf("%s access credential", conn.ProviderName),
		OwnerKind:   domain.SecretOwnerConnection,
		OwnerID:     conn.ID,
	})
	if err != nil {
		return nil, nil, err
	}
	access = &ref

	if m.RefreshToken != "" {
		ref, err := s.vault.Put(ctx, m.RefreshToken, domain.SecretMetadata{
			Label:       secretLabel(conn, "refresh"),
			Description: fmt.Sprintf("%s refresh token", conn.ProviderName),
			OwnerKind:   domain.SecretOwnerConnection,
			OwnerID:     conn.ID,
		})
		if err != nil {
			s.deleteRefs(ctx, conn.ID, access, nil)
			return nil, nil, err
		}
		refresh = &ref
	}
	return access, refresh, nil
}

// discardPendingRefresh drops refreshed tokens that were never applied, since
// user-supplied material supersedes them.
func (s *connectionManager) discardPendingRefresh(ctx context.Context, id string) {
	if s.ledger == nil {
		return
	}
	pending, err := s.ledger.Get(ctx, id)
	if err == nil && pending != nil {
		err = s.ledger.Delete(ctx, id, pending.Fingerprint)
	}
	if err != nil {
		s.logger.Warn("failed to discard pending refresh", "connection_id", id, "error", err)
	}
}

// deleteRefs deletes secrets best-effort. Leftovers are reported by the auditor.
func (s *connectionManager) deleteRefs(ctx context.Context, connectionID string, refs ...*domain.SecretRef) {
	for _, ref := range refs {
		if ref == nil {
			continue
		}
		if err := s.vault.Delete(ctx, *ref); err != nil {
			s.logger.Warn("failed to delete connection secret", "connection_id", connectionID, "error", err)
		}
	}
}

// expiry converts an issued TTL into an absolute expiry on the server clock.
func (s *connectionManager) expiry(provider *domain.Provider, expiresIn int64) *time.Time {
	if provider.AuthMethod != domain.AuthMethodOAuth || expiresIn <= 0 {
		return nil
	}
	t := s.now().Add(time.Duration(expiresIn) * time.Second)
	return &t
}

func validateMaterial(provider *domain.Provider, m domain.CredentialMaterial, scopes domain.ScopeSet) error {
	if m.AccessToken == "" {
		return fmt.Errorf("%w: access credential is required", domain.ErrInvalidInput)
	}
	if m.ExpiresIn < 0 {
		return fmt.Errorf("%w: expires_in must not be negative", domain.ErrInvalidInput)
	}
	if m.RefreshToken != "" && provider.AuthMethod != domain.AuthMethodOAuth {
		return fmt.Errorf("%w: refresh tokens only apply to oauth providers", domain.ErrInvalidInput)
	}
	if missing := scopes.Missing(provider.Scopes); len(missing) > 0 {
		return fmt.Errorf("%w: scopes %v are not offered by %s", domain.ErrInvalidInput, missing, provider.Name)
	}
	return nil
}

func secretLabel(conn *domain.Connection, kind string) string {
	return fmt.Sprintf("%s_%s_%s", conn.ProviderName, kind, conn.ID)
}
