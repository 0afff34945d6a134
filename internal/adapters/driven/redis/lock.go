package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

var _ driven.DistributedLock = (*Lock)(nil)

const lockPrefix = "vault:lock:"

// Owner-checked scripts. KEYS[1] is the lock key, ARGV[1] the owner ID.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a DistributedLock on Redis SET NX PX. Each vault process writes
// its own owner ID into the locks it holds, and release and extend only
// touch keys carrying that ID.
type Lock struct {
	client  redis.UniversalClient
	ownerID string
}

// NewLock returns a lock bound to a fresh owner ID of the form host/uuid.
// Any go-redis client works, including cluster and failover clients.
func NewLock(client redis.UniversalClient) *Lock {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "vault"
	}
	return &Lock{client: client, ownerID: host + "/" + uuid.NewString()}
}

// Acquire takes the lock for ttl. It is not re-entrant: a second Acquire
// by the holder returns false as well.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockPrefix+name, l.ownerID, ttl).Result()
	if err != nil {
		return false, domain.StorageError("acquire lock "+name, err)
	}
	return ok, nil
}

// Release drops the lock if this instance still owns it.
func (l *Lock) Release(ctx context.Context, name string) error {
	err := releaseScript.Run(ctx, l.client, []string{lockPrefix + name}, l.ownerID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.StorageError("release lock "+name, err)
	}
	return nil
}

// Extend pushes the expiry out to ttl from now. It returns ErrLockLost when
// the key expired or another instance took it over.
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{lockPrefix + name}, l.ownerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return domain.StorageError("extend lock "+name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", driven.ErrLockLost, name)
	}
	return nil
}

// Ping reports whether Redis answers.
func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// OwnerID is the value this instance writes into the locks it holds.
func (l *Lock) OwnerID() string {
	return l.ownerID
}
