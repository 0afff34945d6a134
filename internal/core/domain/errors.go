package domain

import (
	"errors"
	"fmt"
)

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested provider, connection, grant or secret was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates the input failed validation (malformed scopes,
	// missing provider fields). Nothing is written when it is returned.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates an ownership or capability check failed.
	// It is always surfaced and never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStorageFailure indicates the secret backend or database was unreachable.
	ErrStorageFailure = errors.New("storage failure")

	// ErrConflict indicates a concurrent writer changed the record first
	ErrConflict = errors.New("conflict")

	// ErrInvalidState indicates the operation is not legal for the record's lifecycle status
	ErrInvalidState = errors.New("invalid state")

	// ErrUnresolvedRef indicates a legacy secret reference that has not been imported yet
	ErrUnresolvedRef = errors.New("unresolved legacy secret reference")

	// ErrSecretUnreadable indicates a secret exists but could not be decrypted
	ErrSecretUnreadable = errors.New("secret unreadable")

	// ErrRefreshRejected indicates the provider refused the refresh credential
	ErrRefreshRejected = errors.New("refresh rejected by provider")

	// ErrTokenExpired indicates the auth token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid indicates the auth token is malformed or invalid
	ErrTokenInvalid = errors.New("token invalid")
)

// Refinements. Each wraps one of the taxonomy errors above so callers can
// classify with errors.Is against either.
var (
	ErrUnknownCapability = fmt.Errorf("%w: unknown capability", ErrInvalidInput)
	ErrScopeExceeded     = fmt.Errorf("%w: capabilities exceed connection scopes", ErrUnauthorized)
	ErrProviderInUse     = fmt.Errorf("%w: provider is referenced by live connections", ErrInvalidInput)
)

// IsRetryable reports whether err is a storage failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// StorageError wraps a backend error as ErrStorageFailure unless it already
// carries a domain classification such as ErrNotFound.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrAlreadyExists, ErrConflict, ErrStorageFailure} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorageFailure, err)
}
