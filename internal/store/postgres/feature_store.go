package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/senzu-ai/senzu/internal/domain"
)

// FeatureStore implements domain.FeatureStore using PostgreSQL. Rows are
// append-only; the newest row for (match, version) wins.
type FeatureStore struct {
	pool *pgxpool.Pool
}

// NewFeatureStore creates a new FeatureStore backed by the given connection pool.
func NewFeatureStore(pool *pgxpool.Pool) *FeatureStore {
	return &FeatureStore{pool: pool}
}

// Fetch returns the latest vector or domain.ErrNotComputed.
func (s *FeatureStore) Fetch(ctx context.Context, matchID, version string) (domain.FeatureVector, error) {
	v := domain.FeatureVector{MatchID: matchID, Version: version}
	err := s.pool.QueryRow(ctx, `
		SELECT vals, computed_at
		FROM feature_vectors
		WHERE match_id = $1 AND version = $2
		ORDER BY computed_at DESC, id DESC
		LIMIT 1`, matchID, version,
	).Scan(&v.Values, &v.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FeatureVector{}, fmt.Errorf("postgres: features %s/%s: %w", matchID, version, domain.ErrNotComputed)
		}
		return domain.FeatureVector{}, fmt.Errorf("postgres: fetch features %s/%s: %w", matchID, version, err)
	}
	return v, nil
}

// Save appends a vector, superseding earlier ones.
func (s *FeatureStore) Save(ctx context.Context, v domain.FeatureVector) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feature_vectors (match_id, version, vals, computed_at)
		VALUES ($1, $2, $3, $4)`,
		v.MatchID, v.Version, v.Values, v.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save features %s/%s: %w", v.MatchID, v.Version, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.FeatureStore = (*FeatureStore)(nil)
