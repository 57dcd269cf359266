package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/smartystreets/goconvey/convey"

	rediscache "github.com/senzu-ai/senzu/internal/cache/redis"
	"github.com/senzu-ai/senzu/internal/domain"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *rediscache.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := rediscache.New(context.Background(), rediscache.ClientConfig{Addr: mr.Addr(), Namespace: "senzu:"})
	if err != nil {
		t.Fatalf("connect miniredis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestBackend(t *testing.T) {
	Convey("Given a Redis backend", t, func() {
		ctx := context.Background()
		mr, c := newClient(t)
		b := rediscache.NewBackend(c)

		entry := domain.CacheEntry{Key: "pred:epl:m1:1x2", Value: []byte(`{"id":"p1"}`), Generation: "prediction.v1"}
		So(b.Set(ctx, entry, 10*time.Minute), ShouldBeNil)

		Convey("Get returns the value and generation under the namespace", func() {
			got, err := b.Get(ctx, "pred:epl:m1:1x2")
			So(err, ShouldBeNil)
			So(string(got.Value), ShouldEqual, `{"id":"p1"}`)
			So(got.Generation, ShouldEqual, "prediction.v1")
			So(got.ExpiresAt.After(time.Now()), ShouldBeTrue)
			So(mr.Exists("senzu:pred:epl:m1:1x2"), ShouldBeTrue)
			So(mr.TTL("senzu:pred:epl:m1:1x2"), ShouldEqual, 10*time.Minute)
		})

		Convey("Entries expire with their TTL", func() {
			mr.FastForward(11 * time.Minute)
			_, err := b.Get(ctx, "pred:epl:m1:1x2")
			So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)
		})

		Convey("DeletePattern removes only matching keys", func() {
			So(b.Set(ctx, domain.CacheEntry{Key: "pred:ucl:m1:totals", Value: []byte("x")}, time.Minute), ShouldBeNil)
			So(b.Set(ctx, domain.CacheEntry{Key: "pred:epl:m2:1x2", Value: []byte("y")}, time.Minute), ShouldBeNil)

			n, err := b.DeletePattern(ctx, "pred:*:m1:*")
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
			_, err = b.Get(ctx, "pred:epl:m2:1x2")
			So(err, ShouldBeNil)
		})

		Convey("A non-positive TTL is rejected", func() {
			So(errors.Is(b.Set(ctx, entry, 0), domain.ErrInvalidInput), ShouldBeTrue)
		})

		Convey("A dead server surfaces an error rather than a miss", func() {
			mr.Close()
			_, err := b.Get(ctx, "pred:epl:m1:1x2")
			So(err, ShouldNotBeNil)
			So(errors.Is(err, domain.ErrNotFound), ShouldBeFalse)
		})
	})
}

func TestLockManager(t *testing.T) {
	Convey("Given a Redis lease manager", t, func() {
		ctx := context.Background()
		mr, c := newClient(t)
		lm := rediscache.NewLockManager(c)

		lease, err := lm.Acquire(ctx, "lease:pred:epl:m1:1x2", 5*time.Second)
		So(err, ShouldBeNil)

		Convey("The lease is exclusive", func() {
			_, err := lm.Acquire(ctx, "lease:pred:epl:m1:1x2", 5*time.Second)
			So(errors.Is(err, domain.ErrLockHeld), ShouldBeTrue)
		})

		Convey("Release frees it", func() {
			lease.Release()
			lease.Release()
			_, err := lm.Acquire(ctx, "lease:pred:epl:m1:1x2", 5*time.Second)
			So(err, ShouldBeNil)
		})

		Convey("A stale holder cannot release a taken-over lease", func() {
			mr.FastForward(6 * time.Second)
			_, err := lm.Acquire(ctx, "lease:pred:epl:m1:1x2", 5*time.Second)
			So(err, ShouldBeNil)
			lease.Release()
			So(mr.Exists("senzu:lease:pred:epl:m1:1x2"), ShouldBeTrue)
			So(errors.Is(lease.Extend(ctx, 5*time.Second), domain.ErrLockHeld), ShouldBeTrue)
		})

		Convey("Extend pushes the expiry out while the lease is held", func() {
			mr.FastForward(4 * time.Second)
			So(lease.Extend(ctx, 5*time.Second), ShouldBeNil)
			So(mr.TTL("senzu:lease:pred:epl:m1:1x2"), ShouldEqual, 5*time.Second)
			mr.FastForward(4 * time.Second)
			_, err := lm.Acquire(ctx, "lease:pred:epl:m1:1x2", 5*time.Second)
			So(errors.Is(err, domain.ErrLockHeld), ShouldBeTrue)
		})
	})
}

func TestRateLimiter(t *testing.T) {
	Convey("Given a sliding-window limiter of 3 per minute", t, func() {
		ctx := context.Background()
		_, c := newClient(t)
		rl := rediscache.NewRateLimiter(c)

		Convey("The fourth request in the window is refused", func() {
			for i := 0; i < 3; i++ {
				ok, err := rl.Allow(ctx, "10.0.0.1", 3, time.Minute)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
			}
			ok, err := rl.Allow(ctx, "10.0.0.1", 3, time.Minute)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			ok, _ = rl.Allow(ctx, "10.0.0.2", 3, time.Minute)
			So(ok, ShouldBeTrue)
		})

		Convey("Invalid limits are rejected", func() {
			_, err := rl.Allow(ctx, "k", 0, time.Minute)
			So(errors.Is(err, domain.ErrInvalidInput), ShouldBeTrue)
		})
	})
}

func TestSignalBus(t *testing.T) {
	Convey("Given a Redis signal bus", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, c := newClient(t)
		bus := rediscache.NewSignalBus(c)

		Convey("Published payloads reach subscribers", func() {
			ch, err := bus.Subscribe(ctx, domain.ChannelUpstreamMatch)
			So(err, ShouldBeNil)
			So(bus.Publish(ctx, domain.ChannelUpstreamMatch, []byte(`{"match_id":"m1"}`)), ShouldBeNil)

			select {
			case msg := <-ch:
				So(string(msg), ShouldEqual, `{"match_id":"m1"}`)
			case <-time.After(2 * time.Second):
				So("timed out waiting for message", ShouldBeEmpty)
			}
		})

		Convey("Streams return appended payloads in order", func() {
			So(bus.StreamAppend(ctx, "audit", []byte("a")), ShouldBeNil)
			So(bus.StreamAppend(ctx, "audit", []byte("b")), ShouldBeNil)
			msgs, err := bus.StreamRead(ctx, "audit", "0", 10)
			So(err, ShouldBeNil)
			So(len(msgs), ShouldEqual, 2)
			So(string(msgs[1].Payload), ShouldEqual, "b")

			none, err := bus.StreamRead(ctx, "empty", "0", 10)
			So(err, ShouldBeNil)
			So(none, ShouldBeEmpty)
		})
	})
}
