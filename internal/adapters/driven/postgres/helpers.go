package postgres

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pqCode(err) == pqUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	return pqCode(err) == pqForeignKeyViolation
}

// Helper functions for nullable values

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// nullRef stores a secret ref in its tagged text form.
func nullRef(ref *domain.SecretRef) sql.NullString {
	if ref == nil || ref.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: ref.String(), Valid: true}
}

func refPtr(ns sql.NullString) *domain.SecretRef {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	ref := domain.ParseSecretRef(ns.String)
	return &ref
}
