package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Ensure the stores implement their interfaces.
var (
	_ driven.GrantStore      = (*GrantStore)(nil)
	_ driven.GrantEventStore = (*GrantEventStore)(nil)
)

// GrantStore implements driven.GrantStore using PostgreSQL.
// The (agent_id, connection_id) unique constraint makes Upsert atomic.
type GrantStore struct {
	db *sql.DB
}

// NewGrantStore creates a new PostgreSQL-backed grant store.
func NewGrantStore(db *sql.DB) *GrantStore {
	return &GrantStore{db: db}
}

const grantColumns = `
	id, agent_id, connection_id, capabilities, active, granted_by,
	granted_at, expires_at, revoked_at, updated_at
`

// Upsert creates or replaces the grant for (agent, connection).
func (s *GrantStore) Upsert(ctx context.Context, g *domain.PermissionGrant) (*domain.PermissionGrant, error) {
	id := g.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
		INSERT INTO permission_grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (agent_id, connection_id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			active = EXCLUDED.active,
			granted_by = EXCLUDED.granted_by,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at,
			revoked_at = EXCLUDED.revoked_at,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + grantColumns

	row := s.db.QueryRowContext(ctx, query,
		id,
		g.AgentID,
		g.ConnectionID,
		pq.Array([]string(g.Capabilities)),
		g.Active,
		g.GrantedBy,
		g.GrantedAt,
		nullTime(g.ExpiresAt),
		nullTime(g.RevokedAt),
		g.UpdatedAt,
	)
	stored, err := scanGrant(row)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("%w: connection %s", domain.ErrNotFound, g.ConnectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert grant: %w", err)
	}
	return stored, nil
}

// Get retrieves a grant by ID.
func (s *GrantStore) Get(ctx context.Context, id string) (*domain.PermissionGrant, error) {
	if !domain.IsHandle(id) {
		return nil, domain.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE id = $1`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

// GetByPair retrieves the grant for an agent and connection.
func (s *GrantStore) GetByPair(ctx context.Context, agentID, connectionID string) (*domain.PermissionGrant, error) {
	if !domain.IsHandle(connectionID) {
		return nil, domain.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM permission_grants WHERE agent_id = $1 AND connection_id = $2`,
		agentID, connectionID,
	)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant by pair: %w", err)
	}
	return g, nil
}

// ListByConnection returns all grants on a connection.
func (s *GrantStore) ListByConnection(ctx context.Context, connectionID string) ([]*domain.PermissionGrant, error) {
	if !domain.IsHandle(connectionID) {
		return nil, nil
	}
	return s.query(ctx, "list grants by connection",
		`SELECT `+grantColumns+` FROM permission_grants WHERE connection_id = $1 ORDER BY granted_at`, connectionID)
}

// ListByAgent returns all grants held by an agent.
func (s *GrantStore) ListByAgent(ctx context.Context, agentID string) ([]*domain.PermissionGrant, error) {
	return s.query(ctx, "list grants by agent",
		`SELECT `+grantColumns+` FROM permission_grants WHERE agent_id = $1 ORDER BY granted_at`, agentID)
}

// Update writes a grant's mutable fields.
func (s *GrantStore) Update(ctx context.Context, g *domain.PermissionGrant) error {
	query := `
		UPDATE permission_grants
		SET capabilities = $2, active = $3, expires_at = $4, revoked_at = $5, updated_at = $6
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		g.ID,
		pq.Array([]string(g.Capabilities)),
		g.Active,
		nullTime(g.ExpiresAt),
		nullTime(g.RevokedAt),
		g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	return expectOneRow(result)
}

func (s *GrantStore) query(ctx context.Context, op, query string, args ...any) ([]*domain.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var grants []*domain.PermissionGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}

func scanGrant(row rowScanner) (*domain.PermissionGrant, error) {
	var g domain.PermissionGrant
	var capabilities []string
	var expiresAt, revokedAt sql.NullTime

	if err := row.Scan(
		&g.ID,
		&g.AgentID,
		&g.ConnectionID,
		pq.Array(&capabilities),
		&g.Active,
		&g.GrantedBy,
		&g.GrantedAt,
		&expiresAt,
		&revokedAt,
		&g.UpdatedAt,
	); err != nil {
		return nil, err
	}

	g.Capabilities = domain.CapabilitySet(capabilities)
	g.ExpiresAt = timePtr(expiresAt)
	g.RevokedAt = timePtr(revokedAt)
	return &g, nil
}

// GrantEventStore implements driven.GrantEventStore using PostgreSQL.
type GrantEventStore struct {
	db *sql.DB
}

// NewGrantEventStore creates a new PostgreSQL-backed grant audit trail.
func NewGrantEventStore(db *sql.DB) *GrantEventStore {
	return &GrantEventStore{db: db}
}

// Append records an event.
func (s *GrantEventStore) Append(ctx context.Context, e *domain.GrantEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	query := `
		INSERT INTO grant_events (
			id, grant_id, agent_id, connection_id, type, capabilities, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.GrantID,
		e.AgentID,
		e.ConnectionID,
		string(e.Type),
		pq.Array([]string(e.Capabilities)),
		nullString(e.ActorID),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append grant event: %w", err)
	}
	return nil
}

// ListByGrant returns a grant's events, oldest first.
func (s *GrantEventStore) ListByGrant(ctx context.Context, grantID string) ([]*domain.GrantEvent, error) {
	if !domain.IsHandle(grantID) {
		return nil, nil
	}

	query := `
		SELECT id, grant_id, agent_id, connection_id, type, capabilities, actor_id, created_at
		FROM grant_events
		WHERE grant_id = $1
		ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, grantID)
	if err != nil {
		return nil, fmt.Errorf("list grant events: %w", err)
	}
	defer rows.Close()

	var events []*domain.GrantEvent
	for rows.Next() {
		var e domain.GrantEvent
		var eventType string
		var capabilities []string
		var actorID sql.NullString
		if err := rows.Scan(
			&e.ID,
			&e.GrantID,
			&e.AgentID,
			&e.ConnectionID,
			&eventType,
			pq.Array(&capabilities),
			&actorID,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan grant event: %w", err)
		}
		e.Type = domain.GrantEventType(eventType)
		e.Capabilities = domain.CapabilitySet(capabilities)
		e.ActorID = actorID.String
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grant events: %w", err)
	}
	return events, nil
}
