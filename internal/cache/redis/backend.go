package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/senzu-ai/senzu/internal/domain"
)

const (
	fieldValue      = "v"
	fieldGeneration = "g"
	scanBatch       = 500
)

// Backend implements domain.CacheBackend. Each entry is a hash holding the
// encoded value and its generation tag, expired by Redis itself.
//
// Key schema:
//
//	{ns}pred:{scope}:{match}:{market} - prediction
//	{ns}feat:{version}:{match}        - feature vector
type Backend struct {
	c *Client
}

// NewBackend creates a Backend on c.
func NewBackend(c *Client) *Backend {
	return &Backend{c: c}
}

// Get returns domain.ErrNotFound when the key is absent or expired.
func (b *Backend) Get(ctx context.Context, key string) (domain.CacheEntry, error) {
	k := b.c.key(key)
	pipe := b.c.rdb.Pipeline()
	fields := pipe.HGetAll(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.CacheEntry{}, fmt.Errorf("redis: get %s: %w", key, err)
	}

	m := fields.Val()
	value, ok := m[fieldValue]
	if !ok {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	entry := domain.CacheEntry{
		Key:        key,
		Value:      []byte(value),
		Generation: m[fieldGeneration],
	}
	if d := pttl.Val(); d > 0 {
		entry.ExpiresAt = time.Now().Add(d)
	}
	return entry, nil
}

// Set writes the entry atomically with its TTL.
func (b *Backend) Set(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis: set %s: non-positive ttl %s: %w", entry.Key, ttl, domain.ErrInvalidInput)
	}
	k := b.c.key(entry.Key)
	pipe := b.c.rdb.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, fieldValue, entry.Value, fieldGeneration, entry.Generation)
	pipe.PExpire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set %s: %w", entry.Key, err)
	}
	return nil
}

// DeletePattern walks the keyspace with SCAN MATCH and UNLINKs matches in
// batches. It returns the number of keys removed.
func (b *Backend) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	match := b.c.key(pattern)
	for {
		keys, next, err := b.c.rdb.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("redis: scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := b.c.rdb.Unlink(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis: unlink %s: %w", pattern, err)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Compile-time interface check.
var _ domain.CacheBackend = (*Backend)(nil)
