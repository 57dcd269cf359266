// Package memory provides in-process implementations of the cache backend,
// lease manager and signal bus for single-node runs and tests.
package memory

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

// Backend is a map-backed domain.CacheBackend with per-entry expiry.
type Backend struct {
	mu    sync.RWMutex
	items map[string]domain.CacheEntry
	clock domain.Clock
}

// NewBackend creates an empty Backend. A nil clock uses the system clock.
func NewBackend(clock domain.Clock) *Backend {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Backend{items: make(map[string]domain.CacheEntry), clock: clock}
}

func (b *Backend) Get(_ context.Context, key string) (domain.CacheEntry, error) {
	b.mu.RLock()
	e, ok := b.items[key]
	b.mu.RUnlock()
	if !ok {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	if !b.clock.Now().Before(e.ExpiresAt) {
		b.mu.Lock()
		if cur, ok := b.items[key]; ok && cur.ExpiresAt.Equal(e.ExpiresAt) {
			delete(b.items, key)
		}
		b.mu.Unlock()
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	e.Value = append([]byte(nil), e.Value...)
	return e, nil
}

func (b *Backend) Set(_ context.Context, entry domain.CacheEntry, ttl time.Duration) error {
	entry.Value = append([]byte(nil), entry.Value...)
	entry.ExpiresAt = b.clock.Now().Add(ttl)
	b.mu.Lock()
	b.items[entry.Key] = entry
	b.mu.Unlock()
	return nil
}

// DeletePattern removes keys matching a path.Match glob.
func (b *Backend) DeletePattern(_ context.Context, pattern string) (int64, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for k := range b.items {
		if ok, _ := path.Match(pattern, k); ok {
			delete(b.items, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// TTL returns the remaining lifetime of key, or 0 if absent.
func (b *Backend) TTL(key string) time.Duration {
	b.mu.RLock()
	e, ok := b.items[key]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return e.ExpiresAt.Sub(b.clock.Now())
}
