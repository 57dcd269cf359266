package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/senzu-ai/senzu/internal/breaker"
	"github.com/senzu-ai/senzu/internal/cache"
	"github.com/senzu-ai/senzu/internal/cache/memory"
	"github.com/senzu-ai/senzu/internal/domain"
)

type brokenBackend struct {
	calls atomic.Int32
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connection refused")

func (b *brokenBackend) Get(context.Context, string) (domain.CacheEntry, error) {
	b.calls.Add(1)
	return domain.CacheEntry{}, errConnRefused
}

func (b *brokenBackend) Set(context.Context, domain.CacheEntry, time.Duration) error {
	b.calls.Add(1)
	return errConnRefused
}

func (b *brokenBackend) DeletePattern(context.Context, string) (int64, error) {
	b.calls.Add(1)
	return 0, errConnRefused
}

type score struct {
	Value int `json:"value"`
}

func newCache(backend domain.CacheBackend, locks domain.LockManager, opts cache.Options) *cache.Cache[score] {
	return cache.New[score](backend, locks, cache.JSONCodec[score]{Tag: "score.v1"}, opts)
}

func TestGetOrCompute(t *testing.T) {
	Convey("Given a cache over a healthy in-memory backend", t, func() {
		ctx := context.Background()
		backend := memory.NewBackend(nil)
		locks := memory.NewLockManager(nil)
		c := newCache(backend, locks, cache.Options{
			Name:         "test",
			LeaseWait:    5 * time.Millisecond,
			LeaseRetries: 100,
		})
		ttl := cache.FixedTTL[score](time.Minute)

		Convey("A cold key is computed by the leader and then served from cache", func() {
			calls := 0
			compute := func(context.Context) (score, error) { calls++; return score{Value: 7}, nil }

			first, err := c.GetOrCompute(ctx, "k", compute, ttl)
			So(err, ShouldBeNil)
			So(first.Path, ShouldEqual, cache.PathLeader)
			So(first.Value.Value, ShouldEqual, 7)
			So(first.Hit, ShouldBeFalse)

			second, err := c.GetOrCompute(ctx, "k", compute, ttl)
			So(err, ShouldBeNil)
			So(second.Path, ShouldEqual, cache.PathHit)
			So(second.Hit, ShouldBeTrue)
			So(calls, ShouldEqual, 1)
			So(backend.TTL("k"), ShouldBeGreaterThan, 59*time.Second)
		})

		Convey("N concurrent cold calls compute once", func() {
			var calls atomic.Int32
			compute := func(context.Context) (score, error) {
				calls.Add(1)
				time.Sleep(50 * time.Millisecond)
				return score{Value: 1}, nil
			}

			const n = 32
			var wg sync.WaitGroup
			values := make([]int, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					out, err := c.GetOrCompute(ctx, "hot", compute, ttl)
					values[i], errs[i] = out.Value.Value, err
				}(i)
			}
			wg.Wait()

			So(calls.Load(), ShouldEqual, 1)
			for i := 0; i < n; i++ {
				So(errs[i], ShouldBeNil)
				So(values[i], ShouldEqual, 1)
			}
		})

		Convey("Compute errors reach the caller and nothing is cached", func() {
			boom := errors.New("model exploded")
			_, err := c.GetOrCompute(ctx, "k", func(context.Context) (score, error) { return score{}, boom }, ttl)
			So(errors.Is(err, boom), ShouldBeTrue)
			_, found := c.Get(ctx, "k")
			So(found, ShouldBeFalse)
			So(locks.Held("lease:k"), ShouldBeFalse)
		})

		Convey("A leader finishes and fills the cache after its caller gives up", func() {
			callerCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err := c.GetOrCompute(callerCtx, "slow", func(cctx context.Context) (score, error) {
				select {
				case <-time.After(80 * time.Millisecond):
					return score{Value: 9}, nil
				case <-cctx.Done():
					return score{}, cctx.Err()
				}
			}, ttl)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)

			deadline := time.Now().Add(2 * time.Second)
			var got score
			var found bool
			for time.Now().Before(deadline) {
				if got, found = c.Get(ctx, "slow"); found {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			So(found, ShouldBeTrue)
			So(got.Value, ShouldEqual, 9)
		})

		Convey("Waiters fall through to direct computation when the lease never clears", func() {
			_, err := locks.Acquire(ctx, "lease:stuck", time.Minute)
			So(err, ShouldBeNil)
			short := newCache(backend, locks, cache.Options{LeaseWait: time.Millisecond, LeaseRetries: 3, BypassLimit: 1})

			calls := 0
			out, err := short.GetOrCompute(ctx, "stuck", func(context.Context) (score, error) {
				calls++
				return score{Value: 3}, nil
			}, ttl)
			So(err, ShouldBeNil)
			So(out.Path, ShouldEqual, cache.PathBypass)
			So(calls, ShouldEqual, 1)

			again, _ := short.GetOrCompute(ctx, "stuck", func(context.Context) (score, error) {
				calls++
				return score{}, nil
			}, ttl)
			So(again.Path, ShouldEqual, cache.PathHit)
			So(calls, ShouldEqual, 1)
		})

		Convey("Entries of another generation read as misses", func() {
			So(backend.Set(ctx, domain.CacheEntry{Key: "k", Value: []byte(`{"value":1}`), Generation: "score.v0"}, time.Minute), ShouldBeNil)
			_, found := c.Get(ctx, "k")
			So(found, ShouldBeFalse)

			out, err := c.GetOrCompute(ctx, "k", func(context.Context) (score, error) { return score{Value: 2}, nil }, ttl)
			So(err, ShouldBeNil)
			So(out.Path, ShouldEqual, cache.PathLeader)
			So(out.Value.Value, ShouldEqual, 2)
		})

		Convey("A non-positive TTL computes without caching", func() {
			_, err := c.GetOrCompute(ctx, "k", func(context.Context) (score, error) { return score{Value: 5}, nil }, cache.FixedTTL[score](0))
			So(err, ShouldBeNil)
			_, found := c.Get(ctx, "k")
			So(found, ShouldBeFalse)
		})

		Convey("Invalidate removes every key of a match", func() {
			for _, key := range []string{
				cache.PredictionKey("epl", "m1", domain.MarketMatchResult),
				cache.PredictionKey("ucl", "m1", domain.MarketTotals),
				cache.PredictionKey("epl", "m2", domain.MarketMatchResult),
			} {
				So(c.Put(ctx, key, score{Value: 1}, time.Minute), ShouldBeTrue)
			}
			n, err := c.Invalidate(ctx, cache.KeyForMatch("m1"))
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
			_, found := c.Get(ctx, cache.PredictionKey("epl", "m2", domain.MarketMatchResult))
			So(found, ShouldBeTrue)
		})

		Convey("A value computed across an invalidation of its key is not cached", func() {
			key := cache.PredictionKey("epl", "m1", domain.MarketMatchResult)
			started := make(chan struct{})
			release := make(chan struct{})
			done := make(chan cache.Outcome[score], 1)
			go func() {
				out, _ := c.GetOrCompute(ctx, key, func(context.Context) (score, error) {
					close(started)
					<-release
					return score{Value: 1}, nil
				}, ttl)
				done <- out
			}()

			<-started
			n, err := c.Invalidate(ctx, cache.KeyForMatch("m1"))
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
			close(release)

			stale := <-done
			So(stale.Value.Value, ShouldEqual, 1)
			So(stale.Degraded, ShouldBeFalse)
			_, found := c.Get(ctx, key)
			So(found, ShouldBeFalse)

			fresh, err := c.GetOrCompute(ctx, key, func(context.Context) (score, error) { return score{Value: 2}, nil }, ttl)
			So(err, ShouldBeNil)
			So(fresh.Path, ShouldEqual, cache.PathLeader)
			So(fresh.Value.Value, ShouldEqual, 2)
			again, _ := c.Get(ctx, key)
			So(again.Value, ShouldEqual, 2)
		})

		Convey("Invalidating other keys does not stop a computation from being cached", func() {
			key := cache.PredictionKey("epl", "m1", domain.MarketMatchResult)
			started := make(chan struct{})
			release := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				_, err := c.GetOrCompute(ctx, key, func(context.Context) (score, error) {
					close(started)
					<-release
					return score{Value: 4}, nil
				}, ttl)
				done <- err
			}()

			<-started
			_, err := c.Invalidate(ctx, cache.KeyForMatch("m2"))
			So(err, ShouldBeNil)
			close(release)
			So(<-done, ShouldBeNil)

			got, found := c.Get(ctx, key)
			So(found, ShouldBeTrue)
			So(got.Value, ShouldEqual, 4)
		})
	})
}

func TestDegradedMode(t *testing.T) {
	Convey("Given a cache whose backend always fails", t, func() {
		ctx := context.Background()
		backend := &brokenBackend{}
		br := breaker.New(breaker.Settings{Name: "cache", FailureThreshold: 3, Cooldown: time.Hour})
		c := newCache(backend, memory.NewLockManager(nil), cache.Options{Breaker: br})
		ttl := cache.FixedTTL[score](time.Minute)

		Convey("Every call still returns the computed value, flagged degraded", func() {
			for i := 0; i < 10; i++ {
				out, err := c.GetOrCompute(ctx, "k", func(context.Context) (score, error) { return score{Value: i}, nil }, ttl)
				So(err, ShouldBeNil)
				So(out.Value.Value, ShouldEqual, i)
				So(out.Degraded, ShouldBeTrue)
				So(out.Path, ShouldEqual, cache.PathDirect)
			}
		})

		Convey("The breaker opens and the backend stops being called", func() {
			for i := 0; i < 3; i++ {
				_, _ = c.GetOrCompute(ctx, "k", func(context.Context) (score, error) { return score{}, nil }, ttl)
			}
			So(br.State(), ShouldEqual, breaker.StateOpen)
			before := backend.calls.Load()
			for i := 0; i < 5; i++ {
				_, _ = c.GetOrCompute(ctx, "k", func(context.Context) (score, error) { return score{}, nil }, ttl)
			}
			So(backend.calls.Load(), ShouldEqual, before)
		})

		Convey("Get reads as absent and Invalidate reports the failure", func() {
			_, found := c.Get(ctx, "k")
			So(found, ShouldBeFalse)
			_, err := c.Invalidate(ctx, "pred:*")
			So(err, ShouldNotBeNil)
		})
	})
}

func TestKeys(t *testing.T) {
	Convey("Keys and patterns follow the documented layout", t, func() {
		So(cache.PredictionKey("epl", "m-1", domain.MarketMatchResult), ShouldEqual, "pred:epl:m-1:1x2")
		So(cache.FeatureKey("v1", "m-1"), ShouldEqual, "feat:v1:m-1")
		So(cache.KeyForMatch("m-1"), ShouldEqual, "pred:*:m-1:*")
		So(cache.KeyForScope("epl"), ShouldEqual, "pred:epl:*")
	})

	Convey("Identifiers with glob or separator characters are rejected", t, func() {
		So(cache.ValidateID("match_id", "arsenal-chelsea_2026.03"), ShouldBeNil)
		for _, bad := range []string{"", "m*", "m?", "m[1]", "a:b", "a b", "ü"} {
			So(errors.Is(cache.ValidateID("match_id", bad), domain.ErrInvalidInput), ShouldBeTrue)
		}
	})
}

func TestLeaseRenewal(t *testing.T) {
	Convey("Given a lease much shorter than the computation it guards", t, func() {
		ctx := context.Background()
		locks := memory.NewLockManager(nil)
		c := newCache(memory.NewBackend(nil), locks, cache.Options{
			Name:         "renew",
			LeaseTTL:     50 * time.Millisecond,
			LeaseWait:    10 * time.Millisecond,
			LeaseRetries: 100,
		})
		ttl := cache.FixedTTL[score](time.Minute)

		var calls atomic.Int32
		compute := func(context.Context) (score, error) {
			calls.Add(1)
			time.Sleep(200 * time.Millisecond)
			return score{Value: 8}, nil
		}

		Convey("Staggered callers still share one computation", func() {
			const n = 10
			var wg sync.WaitGroup
			errs := make([]error, n)
			values := make([]int, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					out, err := c.GetOrCompute(ctx, "slow-load", compute, ttl)
					values[i], errs[i] = out.Value.Value, err
				}(i)
				time.Sleep(20 * time.Millisecond)
			}
			wg.Wait()

			So(calls.Load(), ShouldEqual, 1)
			for i := 0; i < n; i++ {
				So(errs[i], ShouldBeNil)
				So(values[i], ShouldEqual, 8)
			}
			So(locks.Held("lease:slow-load"), ShouldBeFalse)
		})
	})
}
