package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/senzu-ai/senzu/internal/domain"
)

const predictionColumns = `id, match_id, market, scope, model_id, model_version,
	probabilities, odds, expected_value, best_outcome, kickoff_at,
	match_status, freshness, degraded, computed_at`

// PredictionStore implements domain.PredictionStore using PostgreSQL.
type PredictionStore struct {
	pool *pgxpool.Pool
}

// NewPredictionStore creates a new PredictionStore backed by the given connection pool.
func NewPredictionStore(pool *pgxpool.Pool) *PredictionStore {
	return &PredictionStore{pool: pool}
}

// Save inserts p. Saving the same ID twice is a no-op, so retries are safe.
func (s *PredictionStore) Save(ctx context.Context, p domain.PredictionResult) error {
	probs, err := json.Marshal(p.Probabilities)
	if err != nil {
		return fmt.Errorf("postgres: encode probabilities: %w", err)
	}
	odds, err := json.Marshal(p.Odds)
	if err != nil {
		return fmt.Errorf("postgres: encode odds: %w", err)
	}
	ev, err := json.Marshal(p.ExpectedValue)
	if err != nil {
		return fmt.Errorf("postgres: encode expected value: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO predictions (`+predictionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.MatchID, string(p.Market), p.Scope, p.ModelID, p.ModelVersion,
		probs, odds, ev, p.BestOutcome, p.KickoffAt,
		string(p.MatchStatus), string(p.Freshness), p.Degraded, p.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save prediction %s: %w", p.ID, err)
	}
	return nil
}

// ListByMatch returns predictions of a match, newest first.
func (s *PredictionStore) ListByMatch(ctx context.Context, matchID string, opts domain.ListOpts) ([]domain.PredictionResult, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE match_id = $1`
	args := []any{matchID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND computed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND computed_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY computed_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return s.query(ctx, "list predictions for "+matchID, query, args...)
}

// ListBefore returns predictions computed strictly before the cutoff,
// oldest first.
func (s *PredictionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.PredictionResult, error) {
	return s.query(ctx, "list predictions before",
		`SELECT `+predictionColumns+` FROM predictions WHERE computed_at < $1 ORDER BY computed_at`, before)
}

func (s *PredictionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.PredictionResult, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.PredictionResult
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanPrediction(row pgx.Row) (domain.PredictionResult, error) {
	var (
		p                     domain.PredictionResult
		market, status, fresh string
		probs, odds, expected []byte
	)
	err := row.Scan(&p.ID, &p.MatchID, &market, &p.Scope, &p.ModelID, &p.ModelVersion,
		&probs, &odds, &expected, &p.BestOutcome, &p.KickoffAt,
		&status, &fresh, &p.Degraded, &p.ComputedAt)
	if err != nil {
		return p, err
	}
	p.Market = domain.MarketType(market)
	p.MatchStatus = domain.MatchStatus(status)
	p.Freshness = domain.FreshnessClass(fresh)
	for _, f := range []struct {
		raw []byte
		dst *map[string]float64
	}{{probs, &p.Probabilities}, {odds, &p.Odds}, {expected, &p.ExpectedValue}} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return p, fmt.Errorf("decode prediction %s: %w", p.ID, err)
		}
	}
	return p, nil
}

// Compile-time interface check.
var _ domain.PredictionStore = (*PredictionStore)(nil)
