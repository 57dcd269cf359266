package domain

import (
	"context"
	"time"
)

// CacheEntry is the stored form of any cached value.
type CacheEntry struct {
	Key        string
	Value      []byte
	ExpiresAt  time.Time
	Generation string
}

// CacheBackend is the key-value store behind the prediction and feature
// caches. Get returns ErrNotFound for missing or expired keys.
type CacheBackend interface {
	Get(ctx context.Context, key string) (CacheEntry, error)
	Set(ctx context.Context, entry CacheEntry, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) (int64, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Lease is an exclusive, expiring hold on a key. Release is idempotent and
// never frees a lease that has since been taken over.
type Lease interface {
	// Extend pushes expiry to ttl from now. It returns ErrLockHeld when the
	// lease already expired and someone else holds the key.
	Extend(ctx context.Context, ttl time.Duration) error
	Release()
}

// LockManager provides time-bounded exclusive leases. Acquire returns
// ErrLockHeld while another holder's lease is live.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Signal bus channels.
const (
	ChannelPrediction     = "ch:prediction"
	ChannelInvalidation   = "ch:invalidation"
	ChannelUpstreamMatch  = "upstream:match"
	ChannelUpstreamScope  = "upstream:scope"
	ChannelFeatureCompute = "features:compute"
)
