package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

// TTLPolicy is a step function of time-to-kickoff. TTL never increases as
// kickoff approaches; completed matches get a long TTL again.
type TTLPolicy struct {
	FarTTL         time.Duration
	UpcomingWindow time.Duration
	UpcomingTTL    time.Duration
	NearWindow     time.Duration
	NearTTL        time.Duration
	LiveTTL        time.Duration
	CompletedTTL   time.Duration
}

// DefaultTTLPolicy returns the production tiers.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		FarTTL:         30 * time.Minute,
		UpcomingWindow: 24 * time.Hour,
		UpcomingTTL:    10 * time.Minute,
		NearWindow:     2 * time.Hour,
		NearTTL:        2 * time.Minute,
		LiveTTL:        time.Minute,
		CompletedTTL:   60 * time.Minute,
	}
}

// Classify buckets a match by its status and the time left until kickoff.
func (p TTLPolicy) Classify(status domain.MatchStatus, kickoff, now time.Time) domain.FreshnessClass {
	if status == domain.MatchStatusCompleted {
		return domain.FreshnessCompleted
	}
	until := kickoff.Sub(now)
	switch {
	case status == domain.MatchStatusLive || until <= 0:
		return domain.FreshnessLive
	case until <= p.NearWindow:
		return domain.FreshnessNear
	case until <= p.UpcomingWindow:
		return domain.FreshnessUpcoming
	default:
		return domain.FreshnessFar
	}
}

// TTL returns the cache lifetime for a match at time now.
func (p TTLPolicy) TTL(status domain.MatchStatus, kickoff, now time.Time) time.Duration {
	return p.ForClass(p.Classify(status, kickoff, now))
}

// ForClass returns the TTL of a freshness class.
func (p TTLPolicy) ForClass(c domain.FreshnessClass) time.Duration {
	switch c {
	case domain.FreshnessCompleted:
		return p.CompletedTTL
	case domain.FreshnessLive:
		return p.LiveTTL
	case domain.FreshnessNear:
		return p.NearTTL
	case domain.FreshnessUpcoming:
		return p.UpcomingTTL
	default:
		return p.FarTTL
	}
}

// Validate checks that the tiers are positive and ordered so TTL is
// non-increasing towards kickoff.
func (p TTLPolicy) Validate() error {
	var errs []string
	for name, d := range map[string]time.Duration{
		"far_ttl": p.FarTTL, "upcoming_ttl": p.UpcomingTTL, "near_ttl": p.NearTTL,
		"live_ttl": p.LiveTTL, "completed_ttl": p.CompletedTTL,
		"upcoming_window": p.UpcomingWindow, "near_window": p.NearWindow,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if p.NearWindow >= p.UpcomingWindow {
		errs = append(errs, "near_window must be shorter than upcoming_window")
	}
	if p.FarTTL < p.UpcomingTTL || p.UpcomingTTL < p.NearTTL || p.NearTTL < p.LiveTTL {
		errs = append(errs, "ttls must not increase towards kickoff")
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("cache: ttl policy: %w: %s", domain.ErrInvalidInput, strings.Join(errs, "; "))
	}
	return nil
}
