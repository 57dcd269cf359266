// Package feed consumes upstream change notifications from the signal bus.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/senzu-ai/senzu/internal/domain"
)

// ChangeHandler reacts to an upstream change. *service.InferenceService
// satisfies it.
type ChangeHandler interface {
	OnUpstreamChange(ctx context.Context, change domain.UpstreamChange) (int64, error)
}

// UpstreamListener subscribes to the upstream:match and upstream:scope
// channels and forwards each notification to a ChangeHandler.
type UpstreamListener struct {
	bus     domain.SignalBus
	handler ChangeHandler
	logger  *slog.Logger
}

// NewUpstreamListener creates an UpstreamListener.
func NewUpstreamListener(bus domain.SignalBus, handler ChangeHandler, logger *slog.Logger) *UpstreamListener {
	return &UpstreamListener{
		bus:     bus,
		handler: handler,
		logger:  logger.With(slog.String("component", "upstream_listener")),
	}
}

// Run blocks until ctx ends or a subscription closes.
func (l *UpstreamListener) Run(ctx context.Context) error {
	matches, err := l.bus.Subscribe(ctx, domain.ChannelUpstreamMatch)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", domain.ChannelUpstreamMatch, err)
	}
	scopes, err := l.bus.Subscribe(ctx, domain.ChannelUpstreamScope)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", domain.ChannelUpstreamScope, err)
	}
	l.logger.Info("upstream listener started")
	defer l.logger.Info("upstream listener stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-matches:
			if !ok {
				return nil
			}
			l.handle(ctx, domain.ChannelUpstreamMatch, data)
		case data, ok := <-scopes:
			if !ok {
				return nil
			}
			l.handle(ctx, domain.ChannelUpstreamScope, data)
		}
	}
}

func (l *UpstreamListener) handle(ctx context.Context, channel string, data []byte) {
	change, err := ParseChange(channel, data)
	if err != nil {
		l.logger.WarnContext(ctx, "dropping malformed upstream notification",
			slog.String("channel", channel),
			slog.Int("payload_len", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}
	n, err := l.handler.OnUpstreamChange(ctx, change)
	if err != nil {
		l.logger.ErrorContext(ctx, "upstream change not applied",
			slog.String("channel", channel),
			slog.String("match_id", change.MatchID),
			slog.String("scope", change.Scope),
			slog.String("error", err.Error()),
		)
		return
	}
	l.logger.DebugContext(ctx, "upstream change applied",
		slog.String("channel", channel),
		slog.Int64("keys", n),
	)
}

// ParseChange decodes a notification. Payloads are either a JSON object
// ({"match_id": ...} or {"scope": ...}) or a bare identifier whose meaning
// comes from the channel.
func ParseChange(channel string, data []byte) (domain.UpstreamChange, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return domain.UpstreamChange{}, fmt.Errorf("feed: empty payload: %w", domain.ErrInvalidInput)
	}

	var change domain.UpstreamChange
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &change); err != nil {
			return domain.UpstreamChange{}, fmt.Errorf("feed: decode payload: %w", err)
		}
	} else {
		switch channel {
		case domain.ChannelUpstreamMatch:
			change.MatchID = raw
		case domain.ChannelUpstreamScope:
			change.Scope = raw
		}
	}

	switch channel {
	case domain.ChannelUpstreamMatch:
		if change.MatchID == "" || change.Scope != "" {
			return domain.UpstreamChange{}, fmt.Errorf("feed: %s needs match_id only: %w", channel, domain.ErrInvalidInput)
		}
	case domain.ChannelUpstreamScope:
		if change.Scope == "" || change.MatchID != "" {
			return domain.UpstreamChange{}, fmt.Errorf("feed: %s needs scope only: %w", channel, domain.ErrInvalidInput)
		}
	default:
		return domain.UpstreamChange{}, fmt.Errorf("feed: unknown channel %q: %w", channel, domain.ErrInvalidInput)
	}
	if change.Reason == "" {
		change.Reason = "upstream"
	}
	return change, nil
}
