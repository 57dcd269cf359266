package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MatchStore reads fixtures.
type MatchStore interface {
	GetMatch(ctx context.Context, id string) (Match, error)
}

// OddsStore reads the most recent market prices for a match.
type OddsStore interface {
	Latest(ctx context.Context, matchID string, market MarketType) (OddsSnapshot, error)
}

// FeatureStore returns the latest vector for (match, version). Fetch returns
// ErrNotComputed when no vector exists yet.
type FeatureStore interface {
	Fetch(ctx context.Context, matchID, version string) (FeatureVector, error)
	Save(ctx context.Context, vec FeatureVector) error
}

// ModelStore persists artifact metadata and the active pointer per scope.
type ModelStore interface {
	Get(ctx context.Context, id string) (ModelArtifact, error)
	GetActive(ctx context.Context, scope string) (ModelArtifact, error)
	List(ctx context.Context, scope string) ([]ModelArtifact, error)
	// Activate makes id the only active artifact of its scope in one
	// transaction and returns the activated row.
	Activate(ctx context.Context, scope, id string) (ModelArtifact, error)
}

// PredictionStore is the durable, authoritative record of predictions.
type PredictionStore interface {
	Save(ctx context.Context, p PredictionResult) error
	ListByMatch(ctx context.Context, matchID string, opts ListOpts) ([]PredictionResult, error)
	ListBefore(ctx context.Context, before time.Time) ([]PredictionResult, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
