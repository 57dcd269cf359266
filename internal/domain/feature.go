package domain

import "time"

// FeatureVector is an immutable, versioned encoding of match context. A new
// vector supersedes an old one; vectors are never edited in place.
type FeatureVector struct {
	MatchID    string    `json:"match_id"`
	Version    string    `json:"version"`
	Values     []float64 `json:"values"`
	ComputedAt time.Time `json:"computed_at"`
}

// Dim returns the dimensionality of the vector.
func (v FeatureVector) Dim() int { return len(v.Values) }
