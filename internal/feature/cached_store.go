package feature

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/senzu-ai/senzu/internal/breaker"
	"github.com/senzu-ai/senzu/internal/cache"
	"github.com/senzu-ai/senzu/internal/domain"
)

// CachedStore decorates a domain.FeatureStore with a read-through cache and
// schema validation on both paths.
type CachedStore struct {
	inner  domain.FeatureStore
	cache  *cache.Cache[domain.FeatureVector]
	schema *Schema
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps inner. ttl bounds how long a vector is served from the
// cache after a newer one was written elsewhere.
func NewCachedStore(inner domain.FeatureStore, c *cache.Cache[domain.FeatureVector], schema *Schema, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		inner:  inner,
		cache:  c,
		schema: schema,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "feature_store")),
	}
}

// Fetch returns the latest valid vector for (matchID, version), or
// domain.ErrNotComputed when none exists.
func (s *CachedStore) Fetch(ctx context.Context, matchID, version string) (domain.FeatureVector, error) {
	if err := cache.ValidateID("match_id", matchID); err != nil {
		return domain.FeatureVector{}, fmt.Errorf("feature: fetch: %w", err)
	}
	if _, ok := s.schema.Dim(version); !ok {
		return domain.FeatureVector{}, fmt.Errorf("feature: fetch: unknown version %q: %w", version, domain.ErrInvalidInput)
	}

	out, err := s.cache.GetOrCompute(ctx, cache.FeatureKey(version, matchID),
		func(ctx context.Context) (domain.FeatureVector, error) {
			vec, err := s.inner.Fetch(ctx, matchID, version)
			if err != nil {
				return domain.FeatureVector{}, err
			}
			if err := s.schema.Validate(vec); err != nil {
				s.logger.ErrorContext(ctx, "stored feature vector failed validation",
					slog.String("match_id", matchID),
					slog.String("version", version),
					slog.String("error", err.Error()),
				)
				return domain.FeatureVector{}, fmt.Errorf("%w: stored vector is invalid: %v", domain.ErrNotComputed, err)
			}
			return vec, nil
		},
		cache.FixedTTL[domain.FeatureVector](s.ttl),
	)
	if err != nil {
		return domain.FeatureVector{}, fmt.Errorf("feature: fetch %s/%s: %w", matchID, version, err)
	}
	return out.Value, nil
}

// Breaker returns the breaker guarding the vector cache.
func (s *CachedStore) Breaker() *breaker.Breaker { return s.cache.Breaker() }

// Save validates and stores a new vector, superseding earlier ones, and
// refreshes the cached copy.
func (s *CachedStore) Save(ctx context.Context, vec domain.FeatureVector) error {
	if err := s.schema.Validate(vec); err != nil {
		return err
	}
	if err := s.inner.Save(ctx, vec); err != nil {
		return fmt.Errorf("feature: save %s/%s: %w", vec.MatchID, vec.Version, err)
	}
	s.cache.Put(ctx, cache.FeatureKey(vec.Version, vec.MatchID), vec, s.ttl)
	return nil
}

// Invalidate drops every cached vector of matchID across versions.
func (s *CachedStore) Invalidate(ctx context.Context, matchID string) (int64, error) {
	if err := cache.ValidateID("match_id", matchID); err != nil {
		return 0, fmt.Errorf("feature: invalidate: %w", err)
	}
	n, err := s.cache.Invalidate(ctx, cache.FeaturesForMatch(matchID))
	if err != nil {
		return 0, fmt.Errorf("feature: invalidate %s: %w", matchID, err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.FeatureStore = (*CachedStore)(nil)
