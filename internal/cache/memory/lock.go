package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

type lease struct {
	token   uint64
	expires time.Time
}

// LockManager hands out expiring per-key leases within one process.
type LockManager struct {
	mu     sync.Mutex
	leases map[string]lease
	next   uint64
	clock  domain.Clock
}

// NewLockManager creates a LockManager. A nil clock uses the system clock.
func NewLockManager(clock domain.Clock) *LockManager {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &LockManager{leases: make(map[string]lease), clock: clock}
}

// Acquire takes the lease on key for ttl. An unexpired lease held by someone
// else yields domain.ErrLockHeld.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if l, ok := m.leases[key]; ok && now.Before(l.expires) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	m.next++
	m.leases[key] = lease{token: m.next, expires: now.Add(ttl)}
	return &heldLease{m: m, key: key, token: m.next}, nil
}

// Held reports whether key currently has an unexpired lease.
func (m *LockManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	return ok && m.clock.Now().Before(l.expires)
}

type heldLease struct {
	m     *LockManager
	key   string
	token uint64
	once  sync.Once
}

// Extend succeeds while the key still carries this lease's token, even if
// it lapsed without being taken over.
func (l *heldLease) Extend(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	cur, ok := l.m.leases[l.key]
	if !ok || cur.token != l.token {
		return fmt.Errorf("memory: extend lock %s: %w", l.key, domain.ErrLockHeld)
	}
	cur.expires = l.m.clock.Now().Add(ttl)
	l.m.leases[l.key] = cur
	return nil
}

func (l *heldLease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		if cur, ok := l.m.leases[l.key]; ok && cur.token == l.token {
			delete(l.m.leases, l.key)
		}
		l.m.mu.Unlock()
	})
}
