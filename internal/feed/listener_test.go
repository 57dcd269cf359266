package feed_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	cachemem "github.com/senzu-ai/senzu/internal/cache/memory"
	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/feed"
)

type recorder struct {
	mu      sync.Mutex
	changes []domain.UpstreamChange
	got     chan struct{}
}

func (r *recorder) OnUpstreamChange(_ context.Context, c domain.UpstreamChange) (int64, error) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return 1, nil
}

func (r *recorder) sawScope(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c.Scope == scope {
			return true
		}
	}
	return false
}

func TestParseChange(t *testing.T) {
	Convey("Bare identifiers take their meaning from the channel", t, func() {
		c, err := feed.ParseChange(domain.ChannelUpstreamMatch, []byte(" m42\n"))
		So(err, ShouldBeNil)
		So(c, ShouldResemble, domain.UpstreamChange{MatchID: "m42", Reason: "upstream"})

		c, err = feed.ParseChange(domain.ChannelUpstreamScope, []byte("epl"))
		So(err, ShouldBeNil)
		So(c.Scope, ShouldEqual, "epl")
	})

	Convey("JSON payloads keep their reason", t, func() {
		c, err := feed.ParseChange(domain.ChannelUpstreamMatch, []byte(`{"match_id":"m1","reason":"lineup"}`))
		So(err, ShouldBeNil)
		So(c, ShouldResemble, domain.UpstreamChange{MatchID: "m1", Reason: "lineup"})
	})

	Convey("Payloads that do not fit the channel are rejected", t, func() {
		for _, tc := range []struct {
			channel string
			payload string
		}{
			{domain.ChannelUpstreamMatch, ""},
			{domain.ChannelUpstreamMatch, `{"scope":"epl"}`},
			{domain.ChannelUpstreamScope, `{"scope":"epl","match_id":"m1"}`},
			{"prices", "m1"},
		} {
			_, err := feed.ParseChange(tc.channel, []byte(tc.payload))
			So(errors.Is(err, domain.ErrInvalidInput), ShouldBeTrue)
		}
		_, err := feed.ParseChange(domain.ChannelUpstreamMatch, []byte(`{"match_id":`))
		So(err, ShouldNotBeNil)
	})
}

func TestUpstreamListener(t *testing.T) {
	Convey("Given a listener on the in-process bus", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		bus := cachemem.NewBus()
		rec := &recorder{got: make(chan struct{}, 64)}
		l := feed.NewUpstreamListener(bus, rec, slog.New(slog.DiscardHandler))

		done := make(chan error, 1)
		go func() { done <- l.Run(ctx) }()

		// Subscriptions happen inside Run; publish until the first delivery.
		deadline := time.Now().Add(2 * time.Second)
	publish:
		for time.Now().Before(deadline) {
			_ = bus.Publish(ctx, domain.ChannelUpstreamMatch, []byte("m1"))
			select {
			case <-rec.got:
				break publish
			case <-time.After(10 * time.Millisecond):
			}
		}

		Convey("Notifications from both channels reach the handler", func() {
			So(bus.Publish(ctx, domain.ChannelUpstreamScope, []byte(`{"scope":"epl"}`)), ShouldBeNil)
			deadline := time.Now().Add(time.Second)
			for !rec.sawScope("epl") && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			So(rec.sawScope("epl"), ShouldBeTrue)

			rec.mu.Lock()
			defer rec.mu.Unlock()
			So(rec.changes[0].MatchID, ShouldEqual, "m1")
		})

		Convey("Run returns when the context ends", func() {
			cancel()
			select {
			case err := <-done:
				So(errors.Is(err, context.Canceled) || err == nil, ShouldBeTrue)
			case <-time.After(time.Second):
				So("listener did not stop", ShouldBeEmpty)
			}
		})
	})
}
