package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/senzu-ai/senzu/internal/domain"
)

const modelColumns = `id, scope, version, feature_version, payload_ref, active, created_at, activated_at`

// ModelStore implements domain.ModelStore using PostgreSQL.
type ModelStore struct {
	pool *pgxpool.Pool
}

// NewModelStore creates a new ModelStore backed by the given connection pool.
func NewModelStore(pool *pgxpool.Pool) *ModelStore {
	return &ModelStore{pool: pool}
}

func scanModel(row pgx.Row) (domain.ModelArtifact, error) {
	var a domain.ModelArtifact
	err := row.Scan(&a.ID, &a.Scope, &a.Version, &a.FeatureVersion, &a.PayloadRef, &a.Active, &a.CreatedAt, &a.ActivatedAt)
	return a, err
}

// Get returns an artifact by ID.
func (s *ModelStore) Get(ctx context.Context, id string) (domain.ModelArtifact, error) {
	a, err := scanModel(s.pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM model_artifacts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ModelArtifact{}, fmt.Errorf("postgres: model %s: %w", id, domain.ErrNotFound)
		}
		return domain.ModelArtifact{}, fmt.Errorf("postgres: get model %s: %w", id, err)
	}
	return a, nil
}

// GetActive returns the active artifact of scope.
func (s *ModelStore) GetActive(ctx context.Context, scope string) (domain.ModelArtifact, error) {
	a, err := scanModel(s.pool.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM model_artifacts WHERE scope = $1 AND active`, scope))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ModelArtifact{}, fmt.Errorf("postgres: no active model for %s: %w", scope, domain.ErrNotFound)
		}
		return domain.ModelArtifact{}, fmt.Errorf("postgres: get active model %s: %w", scope, err)
	}
	return a, nil
}

// List returns every artifact of scope, newest first.
func (s *ModelStore) List(ctx context.Context, scope string) ([]domain.ModelArtifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+modelColumns+` FROM model_artifacts WHERE scope = $1 ORDER BY created_at DESC`, scope)
	if err != nil {
		return nil, fmt.Errorf("postgres: list models %s: %w", scope, err)
	}
	defer rows.Close()

	var out []domain.ModelArtifact
	for rows.Next() {
		a, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan model: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list models %s rows: %w", scope, err)
	}
	return out, nil
}

// Activate deactivates the current artifact of scope and activates id in one
// transaction. Scope rows are locked first so concurrent activations queue.
func (s *ModelStore) Activate(ctx context.Context, scope, id string) (domain.ModelArtifact, error) {
	var activated domain.ModelArtifact
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT id FROM model_artifacts WHERE scope = $1 FOR UPDATE`, scope); err != nil {
			return fmt.Errorf("lock scope: %w", err)
		}

		var target string
		err := tx.QueryRow(ctx, `SELECT scope FROM model_artifacts WHERE id = $1`, id).Scan(&target)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("model %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if target != scope {
			return fmt.Errorf("model %s belongs to %s: %w", id, target, domain.ErrInvalidInput)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE model_artifacts SET active = FALSE WHERE scope = $1 AND active AND id <> $2`, scope, id); err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		activated, err = scanModel(tx.QueryRow(ctx, `
			UPDATE model_artifacts SET active = TRUE, activated_at = NOW()
			WHERE id = $1
			RETURNING `+modelColumns, id))
		if err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.ModelArtifact{}, fmt.Errorf("postgres: activate model %s/%s: %w", scope, id, err)
	}
	return activated, nil
}

// Register inserts a new inactive artifact, as the training pipeline does.
func (s *ModelStore) Register(ctx context.Context, a domain.ModelArtifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_artifacts (id, scope, version, feature_version, payload_ref)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Scope, a.Version, a.FeatureVersion, a.PayloadRef,
	)
	if err != nil {
		return fmt.Errorf("postgres: register model %s: %w", a.ID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ModelStore = (*ModelStore)(nil)
