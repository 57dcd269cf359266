// Package cache implements a read-through cache with single-flight leases,
// tiered TTLs and graceful degradation when the backend is unavailable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/senzu-ai/senzu/internal/breaker"
	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/metrics"
)

// Path records how a GetOrCompute call obtained its value.
type Path string

const (
	PathHit    Path = "hit"
	PathLeader Path = "leader"
	PathWaited Path = "waited"
	PathBypass Path = "bypass"
	PathDirect Path = "direct"
)

// Outcome is the result of GetOrCompute.
type Outcome[T any] struct {
	Value T
	Hit   bool
	// Degraded is set when the backend could not be used for this call.
	Degraded bool
	Path     Path
}

// ComputeFunc produces a value on a miss.
type ComputeFunc[T any] func(ctx context.Context) (T, error)

// TTLFunc picks the lifetime of a freshly computed value. A non-positive
// TTL skips the write.
type TTLFunc[T any] func(v T) time.Duration

// FixedTTL returns a TTLFunc that always yields d.
func FixedTTL[T any](d time.Duration) TTLFunc[T] {
	return func(T) time.Duration { return d }
}

// Options tunes a Cache. Zero values take the defaults in parentheses.
type Options struct {
	Name string // ("cache")

	LeaseTTL       time.Duration // lease lifetime, renewed while the leader computes (5s)
	LeaseWait      time.Duration // waiter poll interval (25ms)
	LeaseRetries   int           // waiter polls before bypassing (4)
	BypassLimit    int64         // concurrent lock bypasses (8)
	ComputeTimeout time.Duration // bound on a leader's detached compute (30s)

	Breaker *breaker.Breaker
	Metrics *metrics.Manager
	Logger  *slog.Logger
	Clock   domain.Clock
}

// Cache is safe for concurrent use.
type Cache[T any] struct {
	backend domain.CacheBackend
	locks   domain.LockManager
	codec   Codec[T]
	opts    Options
	bypass  *semaphore.Weighted
	breaker *breaker.Breaker
	fence   *fence
	logger  *slog.Logger
}

// New creates a Cache over backend and locks.
func New[T any](backend domain.CacheBackend, locks domain.LockManager, codec Codec[T], opts Options) *Cache[T] {
	if opts.Name == "" {
		opts.Name = "cache"
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Second
	}
	if opts.LeaseWait <= 0 {
		opts.LeaseWait = 25 * time.Millisecond
	}
	if opts.LeaseRetries <= 0 {
		opts.LeaseRetries = 4
	}
	if opts.BypassLimit <= 0 {
		opts.BypassLimit = 8
	}
	if opts.ComputeTimeout <= 0 {
		opts.ComputeTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := opts.Breaker
	if b == nil {
		b = breaker.New(breaker.Settings{Name: opts.Name, Clock: opts.Clock})
	}
	return &Cache[T]{
		backend: backend,
		locks:   locks,
		codec:   codec,
		opts:    opts,
		bypass:  semaphore.NewWeighted(opts.BypassLimit),
		breaker: b,
		fence:   newFence(opts.ComputeTimeout+opts.LeaseTTL, opts.Clock),
		logger:  opts.Logger.With(slog.String("component", "cache"), slog.String("cache", opts.Name)),
	}
}

// Breaker returns the breaker guarding the backend.
func (c *Cache[T]) Breaker() *breaker.Breaker { return c.breaker }

// Get returns the cached value for key. Backend failures read as absent.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	v, found, _ := c.read(ctx, key)
	return v, found
}

// Put writes v under key. Failures are logged and reported as false.
func (c *Cache[T]) Put(ctx context.Context, key string, v T, ttl time.Duration) bool {
	return c.write(ctx, key, v, ttl)
}

// GetOrCompute returns the cached value for key or computes it. At most one
// caller per key computes while the lease holds, and the leader renews the
// lease until it is done; others poll the cache and eventually compute on
// their own, bounded by BypassLimit. The leader's computation survives caller
// cancellation so its result still reaches the cache. A result whose key was
// invalidated while it was being computed is returned but not stored. Errors
// come only from compute or from ctx.
func (c *Cache[T]) GetOrCompute(ctx context.Context, key string, compute ComputeFunc[T], ttl TTLFunc[T]) (Outcome[T], error) {
	v, found, healthy := c.read(ctx, key)
	if found {
		return Outcome[T]{Value: v, Hit: true, Path: PathHit}, nil
	}
	if !healthy {
		return c.direct(ctx, key, compute)
	}

	lease, err := c.acquire(ctx, key)
	switch {
	case err == nil:
		return c.lead(ctx, key, lease, compute, ttl)
	case errors.Is(err, domain.ErrLockHeld):
		return c.wait(ctx, key, compute, ttl)
	case ctx.Err() != nil:
		var zero Outcome[T]
		return zero, ctx.Err()
	default:
		return c.direct(ctx, key, compute)
	}
}

// Invalidate deletes every entry whose key matches the glob pattern. Values
// still being computed for matching keys will not be stored.
func (c *Cache[T]) Invalidate(ctx context.Context, pattern string) (int64, error) {
	c.fence.advance(pattern)
	var n int64
	err := c.breaker.Execute(func() error {
		var err error
		n, err = c.backend.DeletePattern(ctx, pattern)
		return err
	})
	if err != nil {
		c.opts.Metrics.RecordCacheOp(c.opts.Name, "invalidate", "error")
		return 0, fmt.Errorf("cache: invalidate %s: %w", pattern, err)
	}
	c.opts.Metrics.RecordCacheOp(c.opts.Name, "invalidate", "ok")
	return n, nil
}

type computed[T any] struct {
	value    T
	err      error
	degraded bool
}

func (c *Cache[T]) lead(ctx context.Context, key string, lease domain.Lease, compute ComputeFunc[T], ttl TTLFunc[T]) (Outcome[T], error) {
	since := c.fence.mark()
	done := make(chan computed[T], 1)
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ComputeTimeout)
		defer cancel()

		stop := c.renew(cctx, key, lease)
		v, err := compute(cctx)
		stop()
		res := computed[T]{value: v, err: err}
		if err == nil {
			res.degraded = !c.store(cctx, key, v, ttl(v), since)
		}
		// Release before signalling so a caller that retries sees the key
		// free. A panic leaves the lease to expire on its own.
		lease.Release()
		done <- res
	}()

	c.opts.Metrics.RecordComputePath(c.opts.Name, string(PathLeader))
	select {
	case res := <-done:
		if res.err != nil {
			var zero Outcome[T]
			return zero, res.err
		}
		return Outcome[T]{Value: res.value, Degraded: res.degraded, Path: PathLeader}, nil
	case <-ctx.Done():
		c.logger.DebugContext(ctx, "caller left before leader finished", slog.String("key", key))
		var zero Outcome[T]
		return zero, ctx.Err()
	}
}

func (c *Cache[T]) wait(ctx context.Context, key string, compute ComputeFunc[T], ttl TTLFunc[T]) (Outcome[T], error) {
	var zero Outcome[T]
	timer := time.NewTimer(c.opts.LeaseWait)
	defer timer.Stop()

	for i := 0; i < c.opts.LeaseRetries; i++ {
		if i > 0 {
			timer.Reset(c.opts.LeaseWait)
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timer.C:
		}
		v, found, healthy := c.read(ctx, key)
		if found {
			c.opts.Metrics.RecordComputePath(c.opts.Name, string(PathWaited))
			return Outcome[T]{Value: v, Hit: true, Path: PathWaited}, nil
		}
		if !healthy {
			return c.direct(ctx, key, compute)
		}
	}

	if err := c.bypass.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer c.bypass.Release(1)

	// Another bypasser or the late leader may have filled the key while
	// this caller queued for admission.
	if v, found, _ := c.read(ctx, key); found {
		c.opts.Metrics.RecordComputePath(c.opts.Name, string(PathWaited))
		return Outcome[T]{Value: v, Hit: true, Path: PathWaited}, nil
	}

	c.opts.Metrics.RecordComputePath(c.opts.Name, string(PathBypass))
	c.logger.InfoContext(ctx, "lease wait exhausted, computing without lease", slog.String("key", key))
	since := c.fence.mark()
	v, err := compute(ctx)
	if err != nil {
		return zero, err
	}
	degraded := !c.store(ctx, key, v, ttl(v), since)
	return Outcome[T]{Value: v, Degraded: degraded, Path: PathBypass}, nil
}

func (c *Cache[T]) direct(ctx context.Context, key string, compute ComputeFunc[T]) (Outcome[T], error) {
	c.opts.Metrics.RecordComputePath(c.opts.Name, string(PathDirect))
	c.logger.WarnContext(ctx, "cache degraded, computing directly",
		slog.String("key", key),
		slog.String("breaker", c.breaker.State().String()),
	)
	v, err := compute(ctx)
	if err != nil {
		var zero Outcome[T]
		return zero, err
	}
	return Outcome[T]{Value: v, Degraded: true, Path: PathDirect}, nil
}

// read returns (value, found, healthy). healthy is false when the breaker
// rejected the call or the backend failed.
func (c *Cache[T]) read(ctx context.Context, key string) (T, bool, bool) {
	var zero T
	done, err := c.breaker.Allow()
	if err != nil {
		c.opts.Metrics.RecordCacheOp(c.opts.Name, "get", "open")
		return zero, false, false
	}
	entry, err := c.backend.Get(ctx, key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		done(nil)
		c.opts.Metrics.RecordCacheOp(c.opts.Name, "get", "miss")
		return zero, false, true
	case err != nil:
		done(err)
		c.opts.Metrics.RecordCacheOp(c.opts.Name, "get", "error")
		c.logger.WarnContext(ctx, "cache read failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return zero, false, false
	}
	done(nil)

	if entry.Generation != c.codec.Generation() {
		c.opts.Metrics.RecordCacheOp(c.opts.Name, "get", "stale_generation")
		return zero, false, true
	}
	v, err := c.codec.Unmarshal(entry.Value)
	if err != nil {
		c.opts.Metrics.RecordCacheOp(c.opts.Name, "get", "corrupt")
		c.logger.WarnContext(ctx, "discarding undecodable cache entry",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return zero, false, true
	}
	c.opts.Metrics.RecordCacheOp(c.opts.Name, "get", "hit")
	return v, true, true
}

// renew extends lease every third of LeaseTTL until the returned stop
// function is called. It gives up once the lease has been lost.
func (c *Cache[T]) renew(ctx context.Context, key string, lease domain.Lease) (stop func()) {
	interval := c.opts.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
			err := lease.Extend(ctx, c.opts.LeaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrLockHeld):
				c.opts.Metrics.RecordCacheOp(c.opts.Name, "renew", "lost")
				c.logger.WarnContext(ctx, "lease lost while computing", slog.String("key", key))
				return
			default:
				c.opts.Metrics.RecordCacheOp(c.opts.Name, "renew", "error")
				c.logger.DebugContext(ctx, "lease renewal failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
	return func() {
		close(quit)
		<-exited
	}
}

// store writes a computed value unless an invalidation matching key was
// issued after since. An invalidation that races the write itself is
// applied again to the single key. It reports false only when the backend
// could not be written.
func (c *Cache[T]) store(ctx context.Context, key string, v T, ttl time.Duration, since uint64) bool {
	if ttl <= 0 {
		return true
	}
	if c.fence.crossed(key, since) {
		c.opts.Metrics.RecordCacheOp(c.opts.Name, "set", "fenced")
		c.logger.DebugContext(ctx, "result invalidated while computing, not cached", slog.String("key", key))
		return true
	}
	if !c.write(ctx, key, v, ttl) {
		return false
	}
	if c.fence.crossed(key, since) {
		c.opts.Metrics.RecordCacheOp(c.opts.Name, "set", "fenced")
		err := c.breaker.Execute(func() error {
			_, err := c.backend.DeletePattern(ctx, key)
			return err
		})
		if err != nil {
			c.logger.WarnContext(ctx, "could not drop result invalidated during write",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
	return true
}

func (c *Cache[T]) write(ctx context.Context, key string, v T, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	data, err := c.codec.Marshal(v)
	if err != nil {
		c.logger.ErrorContext(ctx, "cache encode failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	entry := domain.CacheEntry{
		Key:        key,
		Value:      data,
		ExpiresAt:  c.opts.Clock.Now().Add(ttl),
		Generation: c.codec.Generation(),
	}
	err = c.breaker.Execute(func() error {
		return c.backend.Set(ctx, entry, ttl)
	})
	if err != nil {
		c.opts.Metrics.RecordCacheOp(c.opts.Name, "set", "error")
		c.logger.WarnContext(ctx, "cache write skipped",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	c.opts.Metrics.RecordCacheOp(c.opts.Name, "set", "ok")
	return true
}

func (c *Cache[T]) acquire(ctx context.Context, key string) (domain.Lease, error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, err
	}
	lease, err := c.locks.Acquire(ctx, leaseKey(key), c.opts.LeaseTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		done(nil)
		return nil, err
	}
	done(err)
	return lease, err
}
