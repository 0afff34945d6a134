package driven

import (
	"context"
	"errors"
	"time"
)

// ErrLockLost is returned by Extend when this instance no longer holds the
// lock. Work guarded by it must stop.
var ErrLockLost = errors.New("lock no longer held")

// Lock names shared by every instance.
const (
	LockRotationCycle = "rotation-cycle"
	LockAuditCycle    = "audit-cycle"
	LockImport        = "legacy-import"
)

// RefreshLockName names the lock that serializes refreshes of one connection.
func RefreshLockName(connectionID string) string {
	return "refresh:" + connectionID
}

// DistributedLock serializes work across vault instances: one refresh per
// connection, one rotation or audit cycle at a time.
type DistributedLock interface {
	// Acquire attempts to acquire a named lock with the given TTL.
	// Returns false, nil if another instance holds it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (acquired bool, err error)

	// Release releases a named lock. Safe to call when not held.
	Release(ctx context.Context, name string) error

	// Extend extends the TTL of a lock held by this instance, or returns
	// ErrLockLost. Backends without a TTL only confirm the hold.
	Extend(ctx context.Context, name string, ttl time.Duration) error

	// Ping checks if the lock backend is healthy.
	Ping(ctx context.Context) error
}
