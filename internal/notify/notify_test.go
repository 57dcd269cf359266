package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/senzu-ai/senzu/internal/breaker"
)

type fakeSender struct {
	name string
	err  error

	mu   sync.Mutex
	sent []string
	got  chan string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.mu.Lock()
	f.sent = append(f.sent, title)
	f.mu.Unlock()
	if f.got != nil {
		f.got <- title
	}
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestNotifier(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	Convey("Given a notifier filtered to breaker openings", t, func() {
		ctx := context.Background()
		a := &fakeSender{name: "a", got: make(chan string, 4)}
		b := &fakeSender{name: "b", err: errors.New("chat gone")}
		n := NewNotifier([]Sender{a, b}, []string{EventBreakerOpen, " "}, logger)

		Convey("Filtered events are dropped silently", func() {
			So(n.Notify(ctx, EventBreakerClosed, "t", "m"), ShouldBeNil)
			So(a.count(), ShouldEqual, 0)
		})

		Convey("Allowed events reach every sender and failures are joined", func() {
			err := n.Notify(ctx, EventBreakerOpen, "t", "m")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "b: chat gone")
			So(a.count(), ShouldEqual, 1)
			So(b.count(), ShouldEqual, 1)
		})

		Convey("The breaker hook alerts when a circuit opens", func() {
			br := breaker.New(breaker.Settings{Name: "features", FailureThreshold: 1, Cooldown: time.Hour, OnStateChange: n.BreakerHook()})
			_ = br.Execute(func() error { return errors.New("boom") })

			select {
			case title := <-a.got:
				So(title, ShouldEqual, "circuit features: open")
			case <-time.After(time.Second):
				So("no alert", ShouldBeEmpty)
			}
		})
	})

	Convey("A notifier without senders is disabled", t, func() {
		So(NewNotifier(nil, nil, logger).Enabled(EventStartup), ShouldBeFalse)
		var nilNotifier *Notifier
		So(nilNotifier.Enabled(EventStartup), ShouldBeFalse)
	})
}

func TestTelegramSender(t *testing.T) {
	Convey("Given a Bot API stub", t, func() {
		var (
			mu    sync.Mutex
			forms []map[string]string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			w.Header().Set("Content-Type", "application/json")
			switch {
			case strings.HasSuffix(r.URL.Path, "/getMe"):
				_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"senzu","username":"senzu_bot"}}`)
			case strings.HasSuffix(r.URL.Path, "/sendMessage"):
				mu.Lock()
				forms = append(forms, map[string]string{
					"chat_id":    r.PostForm.Get("chat_id"),
					"text":       r.PostForm.Get("text"),
					"parse_mode": r.PostForm.Get("parse_mode"),
				})
				mu.Unlock()
				_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
			default:
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
			}
		}))
		defer srv.Close()

		s, err := NewTelegramSenderWithEndpoint("TOKEN", 42, srv.URL+"/bot%s/%s", srv.Client())
		So(err, ShouldBeNil)
		s.interval = 0

		Convey("Send posts a markdown message to the configured chat", func() {
			So(s.Send(context.Background(), "circuit store: open", "details"), ShouldBeNil)
			mu.Lock()
			defer mu.Unlock()
			So(forms, ShouldHaveLength, 1)
			So(forms[0]["chat_id"], ShouldEqual, "42")
			So(forms[0]["parse_mode"], ShouldEqual, "Markdown")
			So(forms[0]["text"], ShouldStartWith, "*circuit store: open*")
			So(s.Name(), ShouldEqual, "telegram")
		})
	})

	Convey("Missing credentials are rejected before any request", t, func() {
		_, err := NewTelegramSender("", 42)
		So(err, ShouldNotBeNil)
	})
}

func TestWebhookSender(t *testing.T) {
	Convey("Given a webhook endpoint", t, func() {
		var body map[string]string
		status := http.StatusNoContent
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(status)
		}))
		defer srv.Close()
		s := NewWebhookSender(srv.URL)

		Convey("Send posts the bold title and message", func() {
			So(s.Send(context.Background(), "title", "msg"), ShouldBeNil)
			So(body["content"], ShouldEqual, "**title**\nmsg")
		})

		Convey("Non-2xx responses are errors", func() {
			status = http.StatusTooManyRequests
			err := s.Send(context.Background(), "title", "msg")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "429")
		})
	})
}
