package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/senzu-ai/senzu/internal/domain"
)

// MatchStore implements domain.MatchStore using PostgreSQL.
type MatchStore struct {
	pool *pgxpool.Pool
}

// NewMatchStore creates a new MatchStore backed by the given connection pool.
func NewMatchStore(pool *pgxpool.Pool) *MatchStore {
	return &MatchStore{pool: pool}
}

// GetMatch returns a fixture by ID.
func (s *MatchStore) GetMatch(ctx context.Context, id string) (domain.Match, error) {
	var (
		m      domain.Match
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, sport, league, home_team, away_team, kickoff_at, status, updated_at
		FROM matches WHERE id = $1`, id,
	).Scan(&m.ID, &m.Sport, &m.League, &m.HomeTeam, &m.AwayTeam, &m.KickoffAt, &status, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Match{}, fmt.Errorf("postgres: match %s: %w", id, domain.ErrNotFound)
		}
		return domain.Match{}, fmt.Errorf("postgres: get match %s: %w", id, err)
	}
	m.Status = domain.MatchStatus(status)
	return m, nil
}

// Upsert inserts or updates a fixture. Used by ingestion tooling and tests.
func (s *MatchStore) Upsert(ctx context.Context, m domain.Match) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO matches (id, sport, league, home_team, away_team, kickoff_at, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			sport      = EXCLUDED.sport,
			league     = EXCLUDED.league,
			home_team  = EXCLUDED.home_team,
			away_team  = EXCLUDED.away_team,
			kickoff_at = EXCLUDED.kickoff_at,
			status     = EXCLUDED.status,
			updated_at = NOW()`,
		m.ID, m.Sport, m.League, m.HomeTeam, m.AwayTeam, m.KickoffAt, string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert match %s: %w", m.ID, err)
	}
	return nil
}

// OddsStore implements domain.OddsStore using PostgreSQL.
type OddsStore struct {
	pool *pgxpool.Pool
}

// NewOddsStore creates a new OddsStore backed by the given connection pool.
func NewOddsStore(pool *pgxpool.Pool) *OddsStore {
	return &OddsStore{pool: pool}
}

// Latest returns the most recent snapshot for (matchID, market).
func (s *OddsStore) Latest(ctx context.Context, matchID string, market domain.MarketType) (domain.OddsSnapshot, error) {
	var (
		o      domain.OddsSnapshot
		prices []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT match_id, market, bookmaker, prices, captured_at
		FROM odds_snapshots
		WHERE match_id = $1 AND market = $2
		ORDER BY captured_at DESC, id DESC
		LIMIT 1`, matchID, string(market),
	).Scan(&o.MatchID, &o.Market, &o.Bookmaker, &prices, &o.CapturedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OddsSnapshot{}, fmt.Errorf("postgres: odds %s/%s: %w", matchID, market, domain.ErrNotFound)
		}
		return domain.OddsSnapshot{}, fmt.Errorf("postgres: latest odds %s/%s: %w", matchID, market, err)
	}
	if err := json.Unmarshal(prices, &o.Prices); err != nil {
		return domain.OddsSnapshot{}, fmt.Errorf("postgres: decode odds %s/%s: %w", matchID, market, err)
	}
	return o, nil
}

// Insert appends a snapshot.
func (s *OddsStore) Insert(ctx context.Context, o domain.OddsSnapshot) error {
	prices, err := json.Marshal(o.Prices)
	if err != nil {
		return fmt.Errorf("postgres: encode odds: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO odds_snapshots (match_id, market, bookmaker, prices, captured_at)
		VALUES ($1, $2, $3, $4, $5)`,
		o.MatchID, string(o.Market), o.Bookmaker, prices, o.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert odds %s/%s: %w", o.MatchID, o.Market, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.MatchStore = (*MatchStore)(nil)
	_ domain.OddsStore  = (*OddsStore)(nil)
)
