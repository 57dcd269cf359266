package domain

import (
	"context"
	"time"
)

// ModelArtifact describes a deployed inference model. Artifacts are created by
// the training pipeline; this service only reads and activates them.
type ModelArtifact struct {
	ID             string     `json:"id"`
	Scope          string     `json:"scope"`
	Version        string     `json:"version"`
	FeatureVersion string     `json:"feature_version"`
	PayloadRef     string     `json:"payload_ref"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	LoadedAt       time.Time  `json:"loaded_at"`
}

// Model runs inference over a feature vector and returns a probability per
// outcome label.
type Model interface {
	Outcomes() []string
	FeatureDim() int
	Predict(ctx context.Context, features []float64) (map[string]float64, error)
}

// ActiveModel pairs an artifact's metadata with its loaded weights. Values are
// never mutated once published, so a reader holding one always sees a
// consistent pair.
type ActiveModel struct {
	Artifact ModelArtifact
	Model    Model
}

// ModelRegistry resolves the active model per scope.
type ModelRegistry interface {
	GetActive(ctx context.Context, scope string) (*ActiveModel, error)
	Activate(ctx context.Context, scope, artifactID string) (*ActiveModel, error)
	Refresh(scope string)
}
