package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
	"github.com/maverick-software/agentopia-vault/internal/metrics"
)

// Ensure permissionEngine implements PermissionEngine
var _ driving.PermissionEngine = (*permissionEngine)(nil)

// PermissionEngineConfig holds configuration for the permission engine.
type PermissionEngineConfig struct {
	Grants      driven.GrantStore
	Events      driven.GrantEventStore
	Connections driven.ConnectionStore
	Providers   driven.ProviderStore
	Agents      driven.AgentDirectory
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type permissionEngine struct {
	grants      driven.GrantStore
	events      driven.GrantEventStore
	connections driven.ConnectionStore
	providers   driven.ProviderStore
	agents      driven.AgentDirectory
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewPermissionEngine creates a new permission engine.
func NewPermissionEngine(cfg PermissionEngineConfig) driving.PermissionEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &permissionEngine{
		grants:      cfg.Grants,
		events:      cfg.Events,
		connections: cfg.Connections,
		providers:   cfg.Providers,
		agents:      cfg.Agents,
		logger:      logger.With("component", "permission_engine"),
		metrics:     cfg.Metrics,
		now:         now,
	}
}

// Grant gives an agent capabilities on a connection. Granting again replaces
// the capability set of the existing grant.
func (s *permissionEngine) Grant(ctx context.Context, req driving.GrantRequest) (*domain.PermissionGrant, error) {
	caps := domain.NewCapabilitySet(req.Capabilities...)
	if req.AgentID == "" || req.ConnectionID == "" || req.GrantingUserID == "" {
		return nil, fmt.Errorf("%w: agent, connection and granting user are required", domain.ErrInvalidInput)
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("%w: at least one capability is required", domain.ErrInvalidInput)
	}
	if req.TTL < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", domain.ErrInvalidInput)
	}

	owner, err := s.agents.OwnerOf(ctx, req.AgentID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && owner != req.GrantingUserID) {
		return nil, fmt.Errorf("%w: agent %s is not owned by the granting user", domain.ErrUnauthorized, req.AgentID)
	}
	if err != nil {
		return nil, domain.StorageError("look up agent owner", err)
	}

	conn, err := s.connections.Get(ctx, req.ConnectionID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && conn.UserID != req.GrantingUserID) {
		return nil, fmt.Errorf("%w: connection %s is not owned by the granting user", domain.ErrUnauthorized, req.ConnectionID)
	}
	if err != nil {
		return nil, domain.StorageError("get connection", err)
	}
	if !conn.IsActive() {
		return nil, fmt.Errorf("%w: connection %s is %s", domain.ErrInvalidState, conn.ID, conn.Status)
	}

	provider, err := s.providers.Get(ctx, conn.ProviderName)
	if err != nil {
		return nil, domain.StorageError("get provider", err)
	}
	required, err := provider.ScopesRequiredFor(caps)
	if err != nil {
		return nil, err
	}
	if missing := required.Missing(conn.Scopes); len(missing) > 0 {
		return nil, fmt.Errorf("%w: connection lacks scopes %v", domain.ErrScopeExceeded, missing)
	}

	now := s.now()
	grant := &domain.PermissionGrant{
		ID:           uuid.NewString(),
		AgentID:      req.AgentID,
		ConnectionID: req.ConnectionID,
		Capabilities: caps,
		Active:       true,
		GrantedBy:    req.GrantingUserID,
		GrantedAt:    now,
		UpdatedAt:    now,
	}
	if req.TTL > 0 {
		expires := now.Add(req.TTL)
		grant.ExpiresAt = &expires
	}

	stored, err := s.grants.Upsert(ctx, grant)
	if err != nil {
		return nil, domain.StorageError("upsert grant", err)
	}

	s.appendEvent(ctx, stored, domain.GrantEventGranted, req.GrantingUserID)
	s.logger.Info("grant issued", "grant_id", stored.ID, "agent_id", stored.AgentID, "connection_id", stored.ConnectionID, "capabilities", stored.Capabilities)
	return stored, nil
}

// Revoke deactivates a grant but keeps the row for audit.
func (s *permissionEngine) Revoke(ctx context.Context, grantID, actorID string) error {
	grant, err := s.grants.Get(ctx, grantID)
	if err != nil {
		return domain.StorageError("get grant", err)
	}
	if actorID != "" {
		owner, err := s.connectionOwner(ctx, grant.ConnectionID)
		if err != nil {
			return err
		}
		if owner != actorID {
			return fmt.Errorf("%w: grant %s belongs to another user", domain.ErrUnauthorized, grantID)
		}
	}
	if !grant.Active {
		return nil
	}

	now := s.now()
	grant.Active = false
	grant.RevokedAt = &now
	grant.UpdatedAt = now
	if err := s.grants.Update(ctx, grant); err != nil {
		return domain.StorageError("revoke grant", err)
	}

	s.appendEvent(ctx, grant, domain.GrantEventRevoked, actorID)
	s.logger.Info("grant revoked", "grant_id", grant.ID, "agent_id", grant.AgentID, "connection_id", grant.ConnectionID)
	return nil
}

// Authorize answers whether agentID may use required on connectionID.
// Every failed check is a plain denial; only an unreachable store is an error.
func (s *permissionEngine) Authorize(ctx context.Context, agentID, connectionID string, required domain.CapabilitySet) (bool, error) {
	required = domain.NewCapabilitySet(required...)
	if len(required) == 0 {
		return s.deny("empty_request")
	}

	conn, err := s.connections.Get(ctx, connectionID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.deny("no_connection")
	}
	if err != nil {
		return false, domain.StorageError("get connection", err)
	}
	now := s.now()
	if !conn.IsActive() || conn.IsExpiredAt(now) {
		return s.deny("connection_inactive")
	}

	grant, err := s.grants.GetByPair(ctx, agentID, connectionID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.deny("no_grant")
	}
	if err != nil {
		return false, domain.StorageError("get grant", err)
	}
	if !grant.IsEffectiveAt(now) {
		return s.deny("grant_inactive")
	}
	if !grant.Allows(required) {
		return s.deny("capability_not_granted")
	}

	provider, err := s.providers.Get(ctx, conn.ProviderName)
	if errors.Is(err, domain.ErrNotFound) {
		return s.deny("no_provider")
	}
	if err != nil {
		return false, domain.StorageError("get provider", err)
	}
	scopes, err := provider.ScopesRequiredFor(required)
	if err != nil {
		return s.deny("unknown_capability")
	}
	if !scopes.IsSubsetOf(conn.Scopes) {
		return s.deny("scope_not_granted")
	}

	s.metrics.Authorize(true, "granted")
	return true, nil
}

func (s *permissionEngine) deny(reason string) (bool, error) {
	s.metrics.Authorize(false, reason)
	return false, nil
}

// ListGrants returns every grant on a connection.
func (s *permissionEngine) ListGrants(ctx context.Context, connectionID string) ([]*domain.PermissionGrant, error) {
	return s.grants.ListByConnection(ctx, connectionID)
}

// GetGrant retrieves a grant.
func (s *permissionEngine) GetGrant(ctx context.Context, grantID string) (*domain.PermissionGrant, error) {
	return s.grants.Get(ctx, grantID)
}

// GrantHistory returns a grant's audit trail.
func (s *permissionEngine) GrantHistory(ctx context.Context, grantID string) ([]*domain.GrantEvent, error) {
	if _, err := s.grants.Get(ctx, grantID); err != nil {
		return nil, err
	}
	return s.events.ListByGrant(ctx, grantID)
}

func (s *permissionEngine) connectionOwner(ctx context.Context, connectionID string) (string, error) {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return "", domain.StorageError("get connection", err)
	}
	return conn.UserID, nil
}

func (s *permissionEngine) appendEvent(ctx context.Context, g *domain.PermissionGrant, typ domain.GrantEventType, actor string) {
	event := &domain.GrantEvent{
		ID:           uuid.NewString(),
		GrantID:      g.ID,
		AgentID:      g.AgentID,
		ConnectionID: g.ConnectionID,
		Type:         typ,
		Capabilities: g.Capabilities,
		ActorID:      actor,
		CreatedAt:    s.now(),
	}
	if err := s.events.Append(ctx, event); err != nil {
		s.logger.Error("failed to append grant event", "grant_id", g.ID, "type", typ, "error", err)
	}
}
