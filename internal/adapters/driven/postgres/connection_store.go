package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Ensure ConnectionStore implements the interface.
var _ driven.ConnectionStore = (*ConnectionStore)(nil)

// ConnectionStore implements driven.ConnectionStore using PostgreSQL.
// Writes are compare-and-swap on the generation column.
type ConnectionStore struct {
	db *sql.DB
}

// NewConnectionStore creates a new PostgreSQL-backed connection store.
func NewConnectionStore(db *sql.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

const connectionColumns = `
	id, user_id, provider_name, name, account_id, scopes, status, auth_method,
	access_secret_ref, refresh_secret_ref, expires_at, generation,
	last_refresh_fingerprint, last_error, last_used_at, created_at, updated_at, revoked_at
`

// Create inserts a new connection at generation 1.
func (s *ConnectionStore) Create(ctx context.Context, conn *domain.Connection) error {
	query := `
		INSERT INTO connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13, $14, $15, $16, $17)
	`

	_, err := s.db.ExecContext(ctx, query,
		conn.ID,
		conn.UserID,
		conn.ProviderName,
		conn.Name,
		nullString(conn.AccountID),
		pq.Array([]string(conn.Scopes)),
		string(conn.Status),
		string(conn.AuthMethod),
		nullRef(conn.AccessSecret),
		nullRef(conn.RefreshSecret),
		nullTime(conn.ExpiresAt),
		nullString(conn.LastRefreshFingerprint),
		nullString(conn.LastError),
		nullTime(conn.LastUsedAt),
		conn.CreatedAt,
		conn.UpdatedAt,
		nullTime(conn.RevokedAt),
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: provider %q", domain.ErrNotFound, conn.ProviderName)
	}
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}

	conn.Generation = 1
	return nil
}

// Get retrieves a connection by ID.
func (s *ConnectionStore) Get(ctx context.Context, id string) (*domain.Connection, error) {
	if !domain.IsHandle(id) {
		return nil, domain.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

// FindActive returns the most recently updated active connection matching
// the user, provider and optional name.
func (s *ConnectionStore) FindActive(ctx context.Context, userID, providerName string, name *string) (*domain.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE user_id = $1 AND provider_name = $2 AND status = 'active'
			AND ($3::text IS NULL OR name = $3)
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var nameArg sql.NullString
	if name != nil {
		nameArg = sql.NullString{String: *name, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, query, userID, providerName, nameArg)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active connection: %w", err)
	}
	return conn, nil
}

// ListByUser returns the user's connections, newest first.
func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	return s.query(ctx, "list connections by user",
		`SELECT `+connectionColumns+` FROM connections WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListByStatus returns all connections in the given status.
func (s *ConnectionStore) ListByStatus(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error) {
	return s.query(ctx, "list connections by status",
		`SELECT `+connectionColumns+` FROM connections WHERE status = $1 ORDER BY created_at`, string(status))
}

// List returns every connection.
func (s *ConnectionStore) List(ctx context.Context) ([]*domain.Connection, error) {
	return s.query(ctx, "list connections",
		`SELECT `+connectionColumns+` FROM connections ORDER BY created_at`)
}

// ListDueForRefresh returns refreshable connections expiring before the given time.
func (s *ConnectionStore) ListDueForRefresh(ctx context.Context, before time.Time) ([]*domain.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE status IN ('active', 'expired')
			AND auth_method = 'oauth'
			AND refresh_secret_ref IS NOT NULL
			AND expires_at IS NOT NULL
			AND expires_at < $1
		ORDER BY expires_at
	`
	return s.query(ctx, "list connections due for refresh", query, before)
}

// CountLive counts non-revoked connections of a provider.
func (s *ConnectionStore) CountLive(ctx context.Context, providerName string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM connections WHERE provider_name = $1 AND status <> 'revoked'`,
		providerName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count live connections: %w", err)
	}
	return count, nil
}

// updateConnectionQuery is the CAS write behind Update. last_used_at is not
// in the SET list: TouchLastUsed writes it without a generation bump, so a
// clone read before the touch would otherwise undo it.
const updateConnectionQuery = `
	UPDATE connections SET
		account_id = $3,
		scopes = $4,
		status = $5,
		access_secret_ref = $6,
		refresh_secret_ref = $7,
		expires_at = $8,
		last_refresh_fingerprint = $9,
		last_error = $10,
		updated_at = $11,
		revoked_at = $12,
		generation = generation + 1
	WHERE id = $1 AND generation = $2
	RETURNING generation
`

// Update writes conn if the stored generation still equals expectedGeneration.
func (s *ConnectionStore) Update(ctx context.Context, conn *domain.Connection, expectedGeneration int64) error {
	var generation int64
	err := s.db.QueryRowContext(ctx, updateConnectionQuery,
		conn.ID,
		expectedGeneration,
		nullString(conn.AccountID),
		pq.Array([]string(conn.Scopes)),
		string(conn.Status),
		nullRef(conn.AccessSecret),
		nullRef(conn.RefreshSecret),
		nullTime(conn.ExpiresAt),
		nullString(conn.LastRefreshFingerprint),
		nullString(conn.LastError),
		conn.UpdatedAt,
		nullTime(conn.RevokedAt),
	).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return s.missOrConflict(ctx, conn.ID)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: live connection name already taken", domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}

	conn.Generation = generation
	return nil
}

// missOrConflict tells a missing row from a stale generation after a CAS miss.
func (s *ConnectionStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM connections WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

// TouchLastUsed updates last_used_at without bumping the generation.
func (s *ConnectionStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	if !domain.IsHandle(id) {
		return domain.ErrNotFound
	}
	result, err := s.db.ExecContext(ctx, `UPDATE connections SET last_used_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	return expectOneRow(result)
}

func (s *ConnectionStore) query(ctx context.Context, op, query string, args ...any) ([]*domain.Connection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var conns []*domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return conns, nil
}

func scanConnection(row rowScanner) (*domain.Connection, error) {
	var conn domain.Connection
	var status, authMethod string
	var accountID, accessRef, refreshRef, fingerprint, lastError sql.NullString
	var expiresAt, lastUsedAt, revokedAt sql.NullTime
	var scopes []string

	if err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.ProviderName,
		&conn.Name,
		&accountID,
		pq.Array(&scopes),
		&status,
		&authMethod,
		&accessRef,
		&refreshRef,
		&expiresAt,
		&conn.Generation,
		&fingerprint,
		&lastError,
		&lastUsedAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
		&revokedAt,
	); err != nil {
		return nil, err
	}

	conn.AccountID = accountID.String
	conn.Scopes = domain.ScopeSet(scopes)
	conn.Status = domain.ConnectionStatus(status)
	conn.AuthMethod = domain.AuthMethod(authMethod)
	conn.AccessSecret = refPtr(accessRef)
	conn.RefreshSecret = refPtr(refreshRef)
	conn.ExpiresAt = timePtr(expiresAt)
	conn.LastRefreshFingerprint = fingerprint.String
	conn.LastError = lastError.String
	conn.LastUsedAt = timePtr(lastUsedAt)
	conn.RevokedAt = timePtr(revokedAt)
	return &conn, nil
}
