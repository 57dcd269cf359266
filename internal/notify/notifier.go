// Package notify delivers operator alerts, such as a dependency circuit
// opening, to chat channels filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/senzu-ai/senzu/internal/breaker"
)

// Alert event types.
const (
	EventBreakerOpen     = "breaker.open"
	EventBreakerHalfOpen = "breaker.half_open"
	EventBreakerClosed   = "breaker.closed"
	EventStartup         = "startup"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every sender. Notify drops events not
// in the configured set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event would be delivered.
func (n *Notifier) Enabled(event string) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// Notify sends to all senders if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// BreakerHook returns a breaker.Settings.OnStateChange callback that alerts
// on transitions. Delivery runs in the background so the calling request is
// never held up by a chat API.
func (n *Notifier) BreakerHook() func(name string, from, to breaker.State) {
	return func(name string, from, to breaker.State) {
		event := "breaker." + to.String()
		if !n.Enabled(event) {
			return
		}
		title := fmt.Sprintf("circuit %s: %s", name, to)
		msg := fmt.Sprintf("dependency %q moved from %s to %s at %s",
			name, from, to, time.Now().UTC().Format(time.RFC3339))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			_ = n.Notify(ctx, event, title, msg)
		}()
	}
}

// dispatch delivers to every sender; one failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
