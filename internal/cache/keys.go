package cache

import (
	"fmt"

	"github.com/senzu-ai/senzu/internal/domain"
)

const (
	predictionPrefix = "pred:"
	featurePrefix    = "feat:"
	leasePrefix      = "lease:"
)

// ValidateID rejects identifiers that are empty or contain anything outside
// [A-Za-z0-9_.-]. Keys are built from identifiers and deleted by glob
// pattern, so no identifier may carry glob syntax or the ':' separator.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is empty: %w", kind, domain.ErrInvalidInput)
	}
	if len(id) > 128 {
		return fmt.Errorf("%s longer than 128 bytes: %w", kind, domain.ErrInvalidInput)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '.', c == '-':
		default:
			return fmt.Errorf("%s %q contains %q: %w", kind, id, c, domain.ErrInvalidInput)
		}
	}
	return nil
}

// PredictionKey is the cache key of one prediction.
func PredictionKey(scope, matchID string, market domain.MarketType) string {
	return predictionPrefix + scope + ":" + matchID + ":" + string(market)
}

// FeatureKey is the cache key of one feature vector.
func FeatureKey(version, matchID string) string {
	return featurePrefix + version + ":" + matchID
}

// KeyForMatch matches every cached prediction of a match.
func KeyForMatch(matchID string) string {
	return predictionPrefix + "*:" + matchID + ":*"
}

// KeyForScope matches every cached prediction under a model scope.
func KeyForScope(scope string) string {
	return predictionPrefix + scope + ":*"
}

// FeaturesForMatch matches every cached feature vector of a match.
func FeaturesForMatch(matchID string) string {
	return featurePrefix + "*:" + matchID
}

func leaseKey(key string) string {
	return leasePrefix + key
}
