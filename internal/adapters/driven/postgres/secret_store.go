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

// Ensure SecretStore implements the interface.
var _ driven.SecretRepository = (*SecretStore)(nil)

// SecretStore implements driven.SecretRepository using PostgreSQL.
// Rows hold sealed blobs only.
type SecretStore struct {
	db *sql.DB
}

// NewSecretStore creates a new PostgreSQL-backed secret store.
func NewSecretStore(db *sql.DB) *SecretStore {
	return &SecretStore{db: db}
}

// Insert stores a new sealed record.
func (s *SecretStore) Insert(ctx context.Context, rec *domain.SecretRecord) error {
	if rec.Sealed == nil {
		return fmt.Errorf("%w: secret %s has no sealed material", domain.ErrInvalidInput, rec.Handle)
	}

	query := `
		INSERT INTO secrets (
			handle, label, description, owner_kind, owner_id,
			key_id, wrapped_key, ciphertext, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.Handle,
		rec.Label,
		nullString(rec.Description),
		nullString(string(rec.OwnerKind)),
		nullString(rec.OwnerID),
		rec.Sealed.KeyID,
		rec.Sealed.WrappedKey,
		rec.Sealed.Ciphertext,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

const secretColumns = `
	handle, label, description, owner_kind, owner_id,
	key_id, wrapped_key, ciphertext, created_at, updated_at
`

// GetByHandle retrieves a record with its sealed blob.
func (s *SecretStore) GetByHandle(ctx context.Context, handle string) (*domain.SecretRecord, error) {
	if !domain.IsHandle(handle) {
		// The column is a UUID; anything else cannot match.
		return nil, domain.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM secrets WHERE handle = $1`, handle)
	rec, err := scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return rec, nil
}

// GetByLabel retrieves the most recently written record carrying label.
func (s *SecretStore) GetByLabel(ctx context.Context, label string) (*domain.SecretRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+secretColumns+`
		FROM secrets
		WHERE label = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, label)
	rec, err := scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret by label: %w", err)
	}
	return rec, nil
}

// Replace swaps the sealed blob of an existing record.
func (s *SecretStore) Replace(ctx context.Context, handle string, sealed *domain.SealedBlob) error {
	query := `
		UPDATE secrets
		SET key_id = $1, wrapped_key = $2, ciphertext = $3, updated_at = $4
		WHERE handle = $5
	`

	result, err := s.db.ExecContext(ctx, query, sealed.KeyID, sealed.WrappedKey, sealed.Ciphertext, time.Now(), handle)
	if err != nil {
		return fmt.Errorf("replace secret: %w", err)
	}
	return expectOneRow(result)
}

// Delete removes a record.
func (s *SecretStore) Delete(ctx context.Context, handle string) error {
	if !domain.IsHandle(handle) {
		return domain.ErrNotFound
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM secrets WHERE handle = $1", handle)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return expectOneRow(result)
}

// List returns every record without its sealed blob.
func (s *SecretStore) List(ctx context.Context) ([]*domain.SecretRecord, error) {
	query := `
		SELECT handle, label, description, owner_kind, owner_id, created_at, updated_at
		FROM secrets
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var records []*domain.SecretRecord
	for rows.Next() {
		var rec domain.SecretRecord
		var description, ownerKind, ownerID sql.NullString
		if err := rows.Scan(
			&rec.Handle,
			&rec.Label,
			&description,
			&ownerKind,
			&ownerID,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		rec.Description = description.String
		rec.OwnerKind = domain.SecretOwnerKind(ownerKind.String)
		rec.OwnerID = ownerID.String
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate secrets: %w", err)
	}
	return records, nil
}

func scanSecret(row rowScanner) (*domain.SecretRecord, error) {
	var rec domain.SecretRecord
	var description, ownerKind, ownerID sql.NullString
	blob := &domain.SealedBlob{}

	if err := row.Scan(
		&rec.Handle,
		&rec.Label,
		&description,
		&ownerKind,
		&ownerID,
		&blob.KeyID,
		&blob.WrappedKey,
		&blob.Ciphertext,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Description = description.String
	rec.OwnerKind = domain.SecretOwnerKind(ownerKind.String)
	rec.OwnerID = ownerID.String
	rec.Sealed = blob
	return &rec, nil
}

func expectOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
