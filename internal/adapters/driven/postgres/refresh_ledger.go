package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Ensure RefreshLedger implements the interface.
var _ driven.RefreshLedger = (*RefreshLedger)(nil)

// RefreshLedger implements driven.RefreshLedger using PostgreSQL.
// Expired rows are ignored on read and purged on the next save.
type RefreshLedger struct {
	db *sql.DB
}

// NewRefreshLedger creates a new PostgreSQL-backed refresh ledger.
func NewRefreshLedger(db *sql.DB) *RefreshLedger {
	return &RefreshLedger{db: db}
}

// Save records the pending refresh, replacing any earlier one.
func (l *RefreshLedger) Save(ctx context.Context, p *domain.PendingRefresh, ttl time.Duration) error {
	if p.Sealed == nil {
		return fmt.Errorf("%w: pending refresh has no sealed material", domain.ErrInvalidInput)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO pending_refreshes (
			connection_id, fingerprint, generation, key_id, wrapped_key, ciphertext, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (connection_id) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			generation = EXCLUDED.generation,
			key_id = EXCLUDED.key_id,
			wrapped_key = EXCLUDED.wrapped_key,
			ciphertext = EXCLUDED.ciphertext,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`

	err := Transaction(ctx, l.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_refreshes WHERE expires_at <= NOW()`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, query,
			p.ConnectionID,
			p.Fingerprint,
			p.Generation,
			p.Sealed.KeyID,
			p.Sealed.WrappedKey,
			p.Sealed.Ciphertext,
			p.CreatedAt,
			p.CreatedAt.Add(ttl),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save pending refresh: %w", err)
	}
	return nil
}

// Get returns the unexpired pending refresh for a connection, or nil.
func (l *RefreshLedger) Get(ctx context.Context, connectionID string) (*domain.PendingRefresh, error) {
	query := `
		SELECT connection_id, fingerprint, generation, key_id, wrapped_key, ciphertext, created_at
		FROM pending_refreshes
		WHERE connection_id = $1 AND expires_at > NOW()
	`

	p := &domain.PendingRefresh{Sealed: &domain.SealedBlob{}}
	err := l.db.QueryRowContext(ctx, query, connectionID).Scan(
		&p.ConnectionID,
		&p.Fingerprint,
		&p.Generation,
		&p.Sealed.KeyID,
		&p.Sealed.WrappedKey,
		&p.Sealed.Ciphertext,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending refresh: %w", err)
	}
	return p, nil
}

// Delete removes the entry if it still carries fingerprint.
func (l *RefreshLedger) Delete(ctx context.Context, connectionID, fingerprint string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM pending_refreshes WHERE connection_id = $1 AND fingerprint = $2`,
		connectionID, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("delete pending refresh: %w", err)
	}
	return nil
}
