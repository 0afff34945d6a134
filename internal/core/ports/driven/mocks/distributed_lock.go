package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

var _ driven.DistributedLock = (*MockDistributedLock)(nil)

// MockDistributedLock is an in-memory DistributedLock with TTL expiry.
// Locks taken through Acquire belong to the mock itself; SetLockHeld plants
// a lock owned by "another instance" that Release and Extend cannot touch.
type MockDistributedLock struct {
	mu       sync.Mutex
	held     map[string]heldLock
	acquires map[string]int
	now      func() time.Time

	AcquireFn func(name string, ttl time.Duration) (bool, error)
	ExtendFn  func(name string, ttl time.Duration) error
	PingFn    func() error
}

type heldLock struct {
	foreign bool
	until   time.Time
}

// NewMockDistributedLock creates an empty lock table on the wall clock.
func NewMockDistributedLock() *MockDistributedLock {
	return &MockDistributedLock{
		held:     make(map[string]heldLock),
		acquires: make(map[string]int),
		now:      time.Now,
	}
}

func (m *MockDistributedLock) live(name string) (heldLock, bool) {
	h, ok := m.held[name]
	if !ok || !m.now().Before(h.until) {
		return heldLock{}, false
	}
	return h, true
}

func (m *MockDistributedLock) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	if m.AcquireFn != nil {
		return m.AcquireFn(name, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(name); ok {
		return false, nil
	}
	m.held[name] = heldLock{until: m.now().Add(ttl)}
	m.acquires[name]++
	return true, nil
}

func (m *MockDistributedLock) Release(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.held[name]; ok && !h.foreign {
		delete(m.held, name)
	}
	return nil
}

func (m *MockDistributedLock) Extend(_ context.Context, name string, ttl time.Duration) error {
	if m.ExtendFn != nil {
		return m.ExtendFn(name, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.live(name)
	if !ok || h.foreign {
		return fmt.Errorf("%w: %s", driven.ErrLockLost, name)
	}
	h.until = m.now().Add(ttl)
	m.held[name] = h
	return nil
}

func (m *MockDistributedLock) Ping(context.Context) error {
	if m.PingFn != nil {
		return m.PingFn()
	}
	return nil
}

// Acquires counts successful Acquire calls for name.
func (m *MockDistributedLock) Acquires(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires[name]
}

// IsHeld reports whether anyone holds an unexpired lock on name.
func (m *MockDistributedLock) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(name)
	return ok
}

// SetLockHeld plants a lock held by another instance for ttl.
func (m *MockDistributedLock) SetLockHeld(name string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[name] = heldLock{foreign: true, until: m.now().Add(ttl)}
}

// Steal hands a lock this mock holds to another instance, as when the TTL
// lapsed and a peer acquired it.
func (m *MockDistributedLock) Steal(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[name] = heldLock{foreign: true, until: m.now().Add(time.Hour)}
}
