package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*AdvisoryLock)(nil)

// AdvisoryLock implements DistributedLock using PostgreSQL advisory locks.
//
// Advisory locks belong to a database session, so each held lock pins its
// own connection out of the pool until Release. Limitations:
//   - TTL is ignored; a lock lives until Release or until the session dies
//   - Extend only checks that the session still holds the lock
//
// Redis locks are preferred when several instances run; this is the
// fallback when Redis is not configured.
type AdvisoryLock struct {
	db       *sql.DB
	sessions *lockSessions
}

// NewAdvisoryLock creates a new PostgreSQL advisory lock adapter.
func NewAdvisoryLock(db *sql.DB) *AdvisoryLock {
	return &AdvisoryLock{db: db, sessions: newLockSessions()}
}

// hashLockName converts a lock name to the 64-bit key advisory locks take.
func hashLockName(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("vault:lock:" + name))
	return int64(h.Sum64())
}

// Acquire attempts to acquire a named advisory lock without blocking.
func (l *AdvisoryLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	// Session-level advisory locks are re-entrant; keep one hold per name.
	if !l.sessions.reserve(name) {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		l.sessions.cancel(name)
		return false, fmt.Errorf("pin lock session: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", hashLockName(name)).Scan(&acquired); err != nil {
		l.sessions.cancel(name)
		conn.Close()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		l.sessions.cancel(name)
		conn.Close()
		return false, nil
	}

	l.sessions.fill(name, conn)
	return true, nil
}

// Release releases a named advisory lock. Safe to call when not held.
func (l *AdvisoryLock) Release(ctx context.Context, name string) error {
	conn, held := l.sessions.take(name)
	if !held {
		return nil
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", hashLockName(name)).Scan(&released); err != nil {
		// Drop the session so the server releases the lock with it.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// Extend has no TTL to push out. It confirms the pinned session is still
// alive, since the server drops the advisory lock together with the session.
func (l *AdvisoryLock) Extend(ctx context.Context, name string, _ time.Duration) error {
	conn, held := l.sessions.get(name)
	if !held {
		return fmt.Errorf("%w: %s", driven.ErrLockLost, name)
	}

	if err := conn.PingContext(ctx); err != nil {
		if l.sessions.drop(name, conn) {
			conn.Close()
		}
		return fmt.Errorf("%w: %s: session gone: %v", driven.ErrLockLost, name, err)
	}
	return nil
}

// lockSessions tracks the pinned session behind each held lock. A name is
// reserved before any database round-trip so the mutex only guards the map;
// a reserved name maps to nil until its session holds the lock.
type lockSessions struct {
	mu    sync.Mutex
	conns map[string]*sql.Conn
}

func newLockSessions() *lockSessions {
	return &lockSessions{conns: make(map[string]*sql.Conn)}
}

// reserve claims name. It fails when the name is held or being acquired.
func (s *lockSessions) reserve(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.conns[name]; busy {
		return false
	}
	s.conns[name] = nil
	return true
}

func (s *lockSessions) fill(name string, conn *sql.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[name] = conn
}

// cancel drops a reservation that never got its session.
func (s *lockSessions) cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[name] == nil {
		delete(s.conns, name)
	}
}

// get returns the session holding name. Reserved names are not held yet.
func (s *lockSessions) get(name string) (*sql.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conns[name]
	return conn, conn != nil
}

// take removes and returns the session holding name, leaving reservations
// in place for the Acquire that made them.
func (s *lockSessions) take(name string) (*sql.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conns[name]
	if conn == nil {
		return nil, false
	}
	delete(s.conns, name)
	return conn, true
}

// drop removes name if it is still held by conn.
func (s *lockSessions) drop(name string, conn *sql.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[name] != conn {
		return false
	}
	delete(s.conns, name)
	return true
}

// Ping checks if the PostgreSQL backend is healthy.
func (l *AdvisoryLock) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}
