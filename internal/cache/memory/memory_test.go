package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/senzu-ai/senzu/internal/cache/memory"
	"github.com/senzu-ai/senzu/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBackend(t *testing.T) {
	Convey("Given an in-memory backend", t, func() {
		ctx := context.Background()
		clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
		b := memory.NewBackend(clock)

		So(b.Set(ctx, domain.CacheEntry{Key: "pred:epl:m1:1x2", Value: []byte("a"), Generation: "g1"}, time.Minute), ShouldBeNil)
		So(b.Set(ctx, domain.CacheEntry{Key: "pred:epl:m2:1x2", Value: []byte("b"), Generation: "g1"}, time.Minute), ShouldBeNil)
		So(b.Set(ctx, domain.CacheEntry{Key: "pred:nba:m1:moneyline", Value: []byte("c"), Generation: "g1"}, time.Hour), ShouldBeNil)

		Convey("Get returns the stored entry with its generation", func() {
			e, err := b.Get(ctx, "pred:epl:m1:1x2")
			So(err, ShouldBeNil)
			So(string(e.Value), ShouldEqual, "a")
			So(e.Generation, ShouldEqual, "g1")
			So(b.TTL("pred:epl:m1:1x2"), ShouldEqual, time.Minute)
		})

		Convey("Expired entries read as not found", func() {
			clock.Advance(time.Minute)
			_, err := b.Get(ctx, "pred:epl:m1:1x2")
			So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)
			_, err = b.Get(ctx, "pred:nba:m1:moneyline")
			So(err, ShouldBeNil)
		})

		Convey("DeletePattern removes every match of a glob", func() {
			n, err := b.DeletePattern(ctx, "pred:*:m1:*")
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
			_, err = b.Get(ctx, "pred:epl:m2:1x2")
			So(err, ShouldBeNil)
			So(b.Len(), ShouldEqual, 1)
		})

		Convey("A malformed pattern is rejected", func() {
			_, err := b.DeletePattern(ctx, "pred:[")
			So(err, ShouldNotBeNil)
		})
	})
}

func TestLockManager(t *testing.T) {
	Convey("Given an in-memory lock manager", t, func() {
		ctx := context.Background()
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		m := memory.NewLockManager(clock)

		lease, err := m.Acquire(ctx, "lease:k", 5*time.Second)
		So(err, ShouldBeNil)

		Convey("A second acquire fails while the lease is live", func() {
			_, err := m.Acquire(ctx, "lease:k", 5*time.Second)
			So(errors.Is(err, domain.ErrLockHeld), ShouldBeTrue)
		})

		Convey("Release frees it and is idempotent", func() {
			lease.Release()
			lease.Release()
			So(m.Held("lease:k"), ShouldBeFalse)
			_, err := m.Acquire(ctx, "lease:k", 5*time.Second)
			So(err, ShouldBeNil)
		})

		Convey("An expired lease can be taken over and the old holder is harmless", func() {
			clock.Advance(5 * time.Second)
			_, err := m.Acquire(ctx, "lease:k", 5*time.Second)
			So(err, ShouldBeNil)
			lease.Release()
			So(m.Held("lease:k"), ShouldBeTrue)
			So(errors.Is(lease.Extend(ctx, 5*time.Second), domain.ErrLockHeld), ShouldBeTrue)
		})

		Convey("Extend keeps the lease live past its original expiry", func() {
			clock.Advance(4 * time.Second)
			So(lease.Extend(ctx, 5*time.Second), ShouldBeNil)
			clock.Advance(4 * time.Second)
			So(m.Held("lease:k"), ShouldBeTrue)
			_, err := m.Acquire(ctx, "lease:k", 5*time.Second)
			So(errors.Is(err, domain.ErrLockHeld), ShouldBeTrue)
		})
	})
}

func TestBus(t *testing.T) {
	Convey("Given an in-memory bus", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		bus := memory.NewBus()

		Convey("Subscribers receive published payloads", func() {
			ch, err := bus.Subscribe(ctx, domain.ChannelPrediction)
			So(err, ShouldBeNil)
			So(bus.Publish(ctx, domain.ChannelPrediction, []byte(`{"id":"p1"}`)), ShouldBeNil)

			select {
			case msg := <-ch:
				So(string(msg), ShouldEqual, `{"id":"p1"}`)
			case <-time.After(time.Second):
				So("no message", ShouldBeEmpty)
			}
		})

		Convey("The subscription closes with its context", func() {
			subCtx, subCancel := context.WithCancel(ctx)
			ch, _ := bus.Subscribe(subCtx, "x")
			subCancel()
			_, open := <-ch
			So(open, ShouldBeFalse)
		})

		Convey("Streams are read after the last seen ID", func() {
			for _, p := range []string{"a", "b", "c"} {
				So(bus.StreamAppend(ctx, "s", []byte(p)), ShouldBeNil)
			}
			first, err := bus.StreamRead(ctx, "s", "0", 2)
			So(err, ShouldBeNil)
			So(len(first), ShouldEqual, 2)
			rest, _ := bus.StreamRead(ctx, "s", first[1].ID, 10)
			So(len(rest), ShouldEqual, 1)
			So(string(rest[0].Payload), ShouldEqual, "c")
		})
	})
}
