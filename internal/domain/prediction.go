package domain

import "time"

// FreshnessClass buckets a prediction by how close its match is to kickoff.
type FreshnessClass string

const (
	FreshnessFar       FreshnessClass = "far"
	FreshnessUpcoming  FreshnessClass = "upcoming"
	FreshnessNear      FreshnessClass = "near"
	FreshnessLive      FreshnessClass = "live"
	FreshnessCompleted FreshnessClass = "completed"
)

// PredictionRequest is a single call into the inference service. A zero
// Deadline means the service default applies.
type PredictionRequest struct {
	MatchID  string
	Market   MarketType
	Scope    string
	Deadline time.Duration
}

// PredictionResult is the computed distribution and expected value for one
// match, market and model scope.
type PredictionResult struct {
	ID            string             `json:"id"`
	MatchID       string             `json:"match_id"`
	Market        MarketType         `json:"market"`
	Scope         string             `json:"scope"`
	ModelID       string             `json:"model_id"`
	ModelVersion  string             `json:"model_version"`
	Probabilities map[string]float64 `json:"probabilities"`
	Odds          map[string]float64 `json:"odds"`
	ExpectedValue map[string]float64 `json:"expected_value"`
	BestOutcome   string             `json:"best_outcome"`
	KickoffAt     time.Time          `json:"kickoff_at"`
	MatchStatus   MatchStatus        `json:"match_status"`
	Freshness     FreshnessClass     `json:"freshness"`
	ComputedAt    time.Time          `json:"computed_at"`
	// Degraded is set when the result was served without the cache.
	Degraded bool `json:"degraded"`
}

// UpstreamChange is a notification that data behind cached predictions moved.
// Exactly one of MatchID or Scope is set.
type UpstreamChange struct {
	MatchID string `json:"match_id,omitempty"`
	Scope   string `json:"scope,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
