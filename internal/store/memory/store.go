// Package memory holds in-process implementations of the domain stores, used
// by the "memory" storage driver and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

// Matches implements domain.MatchStore.
type Matches struct {
	mu   sync.RWMutex
	byID map[string]domain.Match
}

func NewMatches(ms ...domain.Match) *Matches {
	s := &Matches{byID: make(map[string]domain.Match)}
	for _, m := range ms {
		s.byID[m.ID] = m
	}
	return s
}

// Put inserts or replaces a match.
func (s *Matches) Put(m domain.Match) {
	s.mu.Lock()
	s.byID[m.ID] = m
	s.mu.Unlock()
}

func (s *Matches) GetMatch(_ context.Context, id string) (domain.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.Match{}, fmt.Errorf("memory: match %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

// Odds implements domain.OddsStore.
type Odds struct {
	mu     sync.RWMutex
	latest map[string]domain.OddsSnapshot
}

func NewOdds() *Odds {
	return &Odds{latest: make(map[string]domain.OddsSnapshot)}
}

func oddsKey(matchID string, market domain.MarketType) string {
	return matchID + "|" + string(market)
}

// Put records a snapshot if it is newer than the stored one.
func (s *Odds) Put(o domain.OddsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := oddsKey(o.MatchID, o.Market)
	if cur, ok := s.latest[k]; ok && cur.CapturedAt.After(o.CapturedAt) {
		return
	}
	s.latest[k] = o
}

func (s *Odds) Latest(_ context.Context, matchID string, market domain.MarketType) (domain.OddsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.latest[oddsKey(matchID, market)]
	if !ok {
		return domain.OddsSnapshot{}, fmt.Errorf("memory: odds %s/%s: %w", matchID, market, domain.ErrNotFound)
	}
	return o, nil
}

// Features implements domain.FeatureStore, keeping every saved vector.
type Features struct {
	mu      sync.RWMutex
	history map[string][]domain.FeatureVector
}

func NewFeatures() *Features {
	return &Features{history: make(map[string][]domain.FeatureVector)}
}

func (s *Features) Fetch(_ context.Context, matchID, version string) (domain.FeatureVector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[matchID+"|"+version]
	if len(h) == 0 {
		return domain.FeatureVector{}, fmt.Errorf("memory: features %s/%s: %w", matchID, version, domain.ErrNotComputed)
	}
	return h[len(h)-1], nil
}

func (s *Features) Save(_ context.Context, vec domain.FeatureVector) error {
	vec.Values = append([]float64(nil), vec.Values...)
	s.mu.Lock()
	k := vec.MatchID + "|" + vec.Version
	s.history[k] = append(s.history[k], vec)
	s.mu.Unlock()
	return nil
}

// Models implements domain.ModelStore.
type Models struct {
	mu   sync.RWMutex
	byID map[string]domain.ModelArtifact
	now  func() time.Time
}

func NewModels(arts ...domain.ModelArtifact) *Models {
	s := &Models{byID: make(map[string]domain.ModelArtifact), now: time.Now}
	for _, a := range arts {
		s.byID[a.ID] = a
	}
	return s
}

// Put inserts or replaces an artifact row as the training pipeline would.
func (s *Models) Put(a domain.ModelArtifact) {
	s.mu.Lock()
	s.byID[a.ID] = a
	s.mu.Unlock()
}

func (s *Models) Get(_ context.Context, id string) (domain.ModelArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return domain.ModelArtifact{}, fmt.Errorf("memory: model %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *Models) GetActive(_ context.Context, scope string) (domain.ModelArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.byID {
		if a.Scope == scope && a.Active {
			return a, nil
		}
	}
	return domain.ModelArtifact{}, fmt.Errorf("memory: active model for %s: %w", scope, domain.ErrNotFound)
}

func (s *Models) List(_ context.Context, scope string) ([]domain.ModelArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ModelArtifact
	for _, a := range s.byID {
		if a.Scope == scope {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Models) Activate(_ context.Context, scope, id string) (domain.ModelArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.byID[id]
	if !ok {
		return domain.ModelArtifact{}, fmt.Errorf("memory: model %s: %w", id, domain.ErrNotFound)
	}
	if target.Scope != scope {
		return domain.ModelArtifact{}, fmt.Errorf("memory: model %s belongs to %s, not %s: %w", id, target.Scope, scope, domain.ErrInvalidInput)
	}
	for k, a := range s.byID {
		if a.Scope == scope && a.Active {
			a.Active = false
			s.byID[k] = a
		}
	}
	now := s.now()
	target.Active = true
	target.ActivatedAt = &now
	s.byID[id] = target
	return target, nil
}

// Predictions implements domain.PredictionStore.
type Predictions struct {
	mu   sync.RWMutex
	byID map[string]domain.PredictionResult
}

func NewPredictions() *Predictions {
	return &Predictions{byID: make(map[string]domain.PredictionResult)}
}

// Save is idempotent on the prediction ID.
func (s *Predictions) Save(_ context.Context, p domain.PredictionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		s.byID[p.ID] = p
	}
	return nil
}

func (s *Predictions) ListByMatch(_ context.Context, matchID string, opts domain.ListOpts) ([]domain.PredictionResult, error) {
	s.mu.RLock()
	var out []domain.PredictionResult
	for _, p := range s.byID {
		if p.MatchID != matchID {
			continue
		}
		if opts.Since != nil && p.ComputedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !p.ComputedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.After(out[j].ComputedAt) })
	return page(out, opts), nil
}

func (s *Predictions) ListBefore(_ context.Context, before time.Time) ([]domain.PredictionResult, error) {
	s.mu.RLock()
	var out []domain.PredictionResult
	for _, p := range s.byID {
		if p.ComputedAt.Before(before) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })
	return out, nil
}

// Len returns the number of stored predictions.
func (s *Predictions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Audit implements domain.AuditStore.
type Audit struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

func NewAudit() *Audit { return &Audit{} }

func (s *Audit) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	s.mu.Unlock()
	return nil
}

func (s *Audit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	out := make([]domain.AuditEntry, len(s.entries))
	for i, e := range s.entries {
		out[len(s.entries)-1-i] = e
	}
	s.mu.RUnlock()
	return page(out, opts), nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface checks.
var (
	_ domain.MatchStore      = (*Matches)(nil)
	_ domain.OddsStore       = (*Odds)(nil)
	_ domain.FeatureStore    = (*Features)(nil)
	_ domain.ModelStore      = (*Models)(nil)
	_ domain.PredictionStore = (*Predictions)(nil)
	_ domain.AuditStore      = (*Audit)(nil)
)
