package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/senzu-ai/senzu/internal/breaker"
	"github.com/senzu-ai/senzu/internal/cache"
	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/ev"
	"github.com/senzu-ai/senzu/internal/metrics"
	"github.com/senzu-ai/senzu/internal/retry"
)

// Dependency names used for circuit breakers.
const (
	DepFeatures = "features"
	DepMatches  = "matches"
	DepModels   = "models"
	DepStore    = "store"
)

// Dependencies are the collaborators of InferenceService.
type Dependencies struct {
	Predictions *cache.Cache[domain.PredictionResult]
	Features    domain.FeatureStore
	Matches     domain.MatchStore
	Odds        domain.OddsStore
	Models      domain.ModelRegistry
	Store       domain.PredictionStore
	Bus         domain.SignalBus
}

// InferenceOptions tunes InferenceService. Zero values take defaults.
type InferenceOptions struct {
	// DefaultDeadline applies when a request carries none. Default 2s.
	DefaultDeadline time.Duration
	// MaxDeadline caps a request's own deadline. Default 30s.
	MaxDeadline time.Duration

	Retry    retry.Policy
	TTL      cache.TTLPolicy
	Breakers breaker.Settings

	Metrics *metrics.Manager
	Logger  *slog.Logger
	Clock   domain.Clock
}

// featureInvalidator is implemented by feature stores that cache vectors.
type featureInvalidator interface {
	Invalidate(ctx context.Context, matchID string) (int64, error)
}

// breakerOwner is implemented by dependencies that guard themselves with a
// breaker of their own, such as a cached feature store.
type breakerOwner interface {
	Breaker() *breaker.Breaker
}

// InferenceService turns (match, market, scope) into a PredictionResult,
// serving from the prediction cache when possible.
type InferenceService struct {
	deps     Dependencies
	opts     InferenceOptions
	breakers *breaker.Group
	logger   *slog.Logger
}

// NewInferenceService wires the service and its dependency breakers. The
// prediction cache's breaker, and the feature store's when it has one, join
// the group under their own names.
func NewInferenceService(deps Dependencies, opts InferenceOptions) *InferenceService {
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 2 * time.Second
	}
	if opts.MaxDeadline <= 0 {
		opts.MaxDeadline = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if opts.TTL == (cache.TTLPolicy{}) {
		opts.TTL = cache.DefaultTTLPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breakers.Clock == nil {
		opts.Breakers.Clock = opts.Clock
	}

	s := &InferenceService{
		deps:   deps,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "inference")),
	}

	settings := opts.Breakers
	onChange := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to breaker.State) {
		s.breakerChanged(name, from, to)
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	s.breakers = breaker.NewGroup(settings, DepFeatures, DepMatches, DepModels, DepStore)
	if deps.Predictions != nil {
		s.breakers.Add(deps.Predictions.Breaker())
	}
	if fb, ok := deps.Features.(breakerOwner); ok {
		s.breakers.Add(fb.Breaker())
	}
	for _, name := range s.breakers.Names() {
		opts.Metrics.SetBreakerState(name, int(breaker.StateClosed))
	}
	return s
}

// Breakers returns the state of every dependency breaker.
func (s *InferenceService) Breakers() map[string]string {
	return s.breakers.Snapshot()
}

// BreakerGroup exposes the breakers for status reporting and tests.
func (s *InferenceService) BreakerGroup() *breaker.Group {
	return s.breakers
}

// progress records the furthest stage a computation reached.
type progress struct {
	v atomic.Value
}

func (p *progress) set(st domain.Stage) { p.v.Store(st) }

func (p *progress) get() domain.Stage {
	if st, ok := p.v.Load().(domain.Stage); ok {
		return st
	}
	return domain.StageStart
}

// Predict returns the prediction for req. Errors are *domain.PredictionError.
func (s *InferenceService) Predict(ctx context.Context, req domain.PredictionRequest) (domain.PredictionResult, error) {
	start := s.opts.Clock.Now()
	var stage progress
	stage.set(domain.StageStart)

	if err := validateRequest(req); err != nil {
		return domain.PredictionResult{}, s.fail(ctx, req, &stage, start, err)
	}
	deadline := req.Deadline
	switch {
	case deadline < 0:
		return domain.PredictionResult{}, s.fail(ctx, req, &stage, start,
			fmt.Errorf("negative deadline %s: %w", deadline, domain.ErrInvalidInput))
	case deadline == 0:
		deadline = s.opts.DefaultDeadline
	case deadline > s.opts.MaxDeadline:
		deadline = s.opts.MaxDeadline
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	stage.set(domain.StageCacheCheck)
	key := cache.PredictionKey(req.Scope, req.MatchID, req.Market)
	out, err := s.deps.Predictions.GetOrCompute(ctx, key,
		func(cctx context.Context) (domain.PredictionResult, error) {
			return s.compute(cctx, req, &stage)
		},
		func(p domain.PredictionResult) time.Duration {
			return s.opts.TTL.TTL(p.MatchStatus, p.KickoffAt, s.opts.Clock.Now())
		},
	)
	if err != nil {
		return domain.PredictionResult{}, s.fail(ctx, req, &stage, start, err)
	}

	res := out.Value
	res.Degraded = out.Degraded
	elapsed := s.opts.Clock.Now().Sub(start)
	s.opts.Metrics.RecordPrediction("ok", string(out.Path), elapsed)
	if out.Degraded {
		s.logger.WarnContext(ctx, "prediction served without cache",
			slog.String("match_id", req.MatchID),
			slog.String("scope", req.Scope),
			slog.String("path", string(out.Path)),
		)
	}
	s.logger.DebugContext(ctx, "prediction served",
		slog.String("match_id", req.MatchID),
		slog.String("market", string(req.Market)),
		slog.String("scope", req.Scope),
		slog.String("path", string(out.Path)),
		slog.Duration("elapsed", elapsed),
	)
	return res, nil
}

// compute runs the miss path. It may outlive the caller when it leads the
// cache lease, so it only touches per-request state through stage.
func (s *InferenceService) compute(ctx context.Context, req domain.PredictionRequest, stage *progress) (domain.PredictionResult, error) {
	stage.set(domain.StageModelLoad)
	am, err := call(ctx, s, DepModels, func(ctx context.Context) (*domain.ActiveModel, error) {
		return s.deps.Models.GetActive(ctx, req.Scope)
	})
	if errors.Is(err, domain.ErrInvalidInput) {
		// The scope was validated already, so this is an unusable payload.
		return domain.PredictionResult{}, fmt.Errorf("load model for %s: %w: %v", req.Scope, domain.ErrDependencyUnavailable, err)
	}
	if err != nil {
		return domain.PredictionResult{}, fmt.Errorf("load model for %s: %w", req.Scope, err)
	}

	stage.set(domain.StageFeatureFetch)
	version := am.Artifact.FeatureVersion
	vec, err := call(ctx, s, DepFeatures, func(ctx context.Context) (domain.FeatureVector, error) {
		return s.deps.Features.Fetch(ctx, req.MatchID, version)
	})
	if errors.Is(err, domain.ErrNotComputed) {
		s.requestFeatures(ctx, req.MatchID, version)
	}
	if err != nil {
		return domain.PredictionResult{}, fmt.Errorf("fetch features %s/%s: %w", req.MatchID, version, err)
	}

	match, err := call(ctx, s, DepMatches, func(ctx context.Context) (domain.Match, error) {
		return s.deps.Matches.GetMatch(ctx, req.MatchID)
	})
	if err != nil {
		return domain.PredictionResult{}, fmt.Errorf("fetch match %s: %w", req.MatchID, err)
	}
	odds, err := call(ctx, s, DepMatches, func(ctx context.Context) (domain.OddsSnapshot, error) {
		return s.deps.Odds.Latest(ctx, req.MatchID, req.Market)
	})
	if err != nil {
		return domain.PredictionResult{}, fmt.Errorf("fetch odds %s/%s: %w", req.MatchID, req.Market, err)
	}

	stage.set(domain.StageInference)
	probs, err := am.Model.Predict(ctx, vec.Values)
	if err != nil {
		if ctx.Err() != nil {
			return domain.PredictionResult{}, ctx.Err()
		}
		// A model that rejects its own feature version is a deployment
		// fault, not a caller error.
		return domain.PredictionResult{}, fmt.Errorf("model %s: %w: %v", am.Artifact.ID, domain.ErrDependencyUnavailable, err)
	}

	stage.set(domain.StageEVCompute)
	values, err := ev.Compute(probs, odds.Prices)
	if err != nil {
		return domain.PredictionResult{}, err
	}

	now := s.opts.Clock.Now()
	res := domain.PredictionResult{
		ID:            uuid.NewString(),
		MatchID:       req.MatchID,
		Market:        req.Market,
		Scope:         req.Scope,
		ModelID:       am.Artifact.ID,
		ModelVersion:  am.Artifact.Version,
		Probabilities: probs,
		Odds:          odds.Prices,
		ExpectedValue: values,
		BestOutcome:   ev.Best(values),
		KickoffAt:     match.KickoffAt,
		MatchStatus:   match.Status,
		Freshness:     s.opts.TTL.Classify(match.Status, match.KickoffAt, now),
		ComputedAt:    now,
	}

	stage.set(domain.StagePersist)
	if _, err := call(ctx, s, DepStore, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.deps.Store.Save(ctx, res)
	}); err != nil {
		return domain.PredictionResult{}, fmt.Errorf("save prediction %s: %w", res.ID, err)
	}

	stage.set(domain.StageCacheWrite)
	s.publish(ctx, domain.ChannelPrediction, res)
	return res, nil
}

// call runs fn through the dependency's breaker inside the retry policy.
func call[T any](ctx context.Context, s *InferenceService, dep string, fn func(context.Context) (T, error)) (T, error) {
	b := s.breakers.Get(dep)
	return retry.Do(ctx, s.opts.Retry, func(ctx context.Context) (T, error) {
		return breaker.Do(b, func() (T, error) { return fn(ctx) })
	})
}

// OnUpstreamChange drops cached predictions affected by change. A scope
// change also makes the registry re-read the scope's active model, since
// another instance may have activated it.
func (s *InferenceService) OnUpstreamChange(ctx context.Context, change domain.UpstreamChange) (int64, error) {
	return s.invalidate(ctx, change, true)
}

// InvalidateScope adapts invalidation to registry.ActivateHook. The registry
// has already installed the new model, so it is not refreshed.
func (s *InferenceService) InvalidateScope(ctx context.Context, scope string) error {
	_, err := s.invalidate(ctx, domain.UpstreamChange{Scope: scope, Reason: "activation"}, false)
	return err
}

func (s *InferenceService) invalidate(ctx context.Context, change domain.UpstreamChange, refresh bool) (int64, error) {
	if (change.MatchID == "") == (change.Scope == "") {
		return 0, fmt.Errorf("inference: upstream change needs exactly one of match_id or scope: %w", domain.ErrInvalidInput)
	}

	var (
		pattern string
		reason  = change.Reason
	)
	if change.MatchID != "" {
		if err := cache.ValidateID("match_id", change.MatchID); err != nil {
			return 0, fmt.Errorf("inference: %w", err)
		}
		pattern = cache.KeyForMatch(change.MatchID)
		if reason == "" {
			reason = "match"
		}
	} else {
		if err := cache.ValidateID("scope", change.Scope); err != nil {
			return 0, fmt.Errorf("inference: %w", err)
		}
		pattern = cache.KeyForScope(change.Scope)
		if reason == "" {
			reason = "scope"
		}
		if refresh {
			s.deps.Models.Refresh(change.Scope)
		}
	}

	// Features go first so a prediction recomputed in between cannot be
	// built from a cached vector that is about to be dropped.
	if change.MatchID != "" {
		if fi, ok := s.deps.Features.(featureInvalidator); ok {
			if _, err := fi.Invalidate(ctx, change.MatchID); err != nil {
				s.logger.WarnContext(ctx, "feature invalidation failed",
					slog.String("match_id", change.MatchID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	n, err := s.deps.Predictions.Invalidate(ctx, pattern)
	if err != nil {
		s.logger.ErrorContext(ctx, "invalidation failed",
			slog.String("pattern", pattern),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("inference: invalidate %s: %w: %v", pattern, domain.ErrDependencyUnavailable, err)
	}

	s.opts.Metrics.RecordInvalidation(reason, n)
	s.logger.InfoContext(ctx, "cache invalidated",
		slog.String("pattern", pattern),
		slog.String("reason", reason),
		slog.Int64("keys", n),
	)
	s.publish(ctx, domain.ChannelInvalidation, map[string]any{
		"match_id": change.MatchID,
		"scope":    change.Scope,
		"reason":   reason,
		"keys":     n,
	})
	return n, nil
}

func (s *InferenceService) requestFeatures(ctx context.Context, matchID, version string) {
	s.publish(ctx, domain.ChannelFeatureCompute, map[string]string{
		"match_id": matchID,
		"version":  version,
	})
	s.logger.InfoContext(ctx, "feature computation requested",
		slog.String("match_id", matchID),
		slog.String("version", version),
	)
}

func (s *InferenceService) publish(ctx context.Context, channel string, v any) {
	if s.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.deps.Bus.Publish(context.WithoutCancel(ctx), channel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// fail builds the caller-facing error, logs it with the breaker snapshot and
// records the metric event.
func (s *InferenceService) fail(ctx context.Context, req domain.PredictionRequest, stage *progress, start time.Time, err error) error {
	perr := &domain.PredictionError{
		Stage:    stage.get(),
		Kind:     classify(ctx, err),
		Breakers: s.breakers.Snapshot(),
		Err:      err,
	}
	s.opts.Metrics.RecordPrediction(outcomeLabel(perr.Kind), "error", s.opts.Clock.Now().Sub(start))

	attrs := []any{
		slog.String("match_id", req.MatchID),
		slog.String("market", string(req.Market)),
		slog.String("scope", req.Scope),
		slog.String("stage", string(perr.Stage)),
		slog.String("kind", perr.Kind.Error()),
		slog.Any("breakers", perr.Breakers),
		slog.String("error", err.Error()),
	}
	switch perr.Kind {
	case domain.ErrDependencyUnavailable, domain.ErrTimeout:
		s.logger.ErrorContext(ctx, "prediction failed", attrs...)
	default:
		s.logger.InfoContext(ctx, "prediction rejected", attrs...)
	}
	return perr
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return domain.ErrTimeout
	case errors.Is(err, domain.ErrInvalidDistribution):
		return domain.ErrInvalidDistribution
	case errors.Is(err, domain.ErrInvalidOdds):
		return domain.ErrInvalidOdds
	case errors.Is(err, domain.ErrDependencyUnavailable):
		return domain.ErrDependencyUnavailable
	case errors.Is(err, domain.ErrInvalidInput):
		return domain.ErrInvalidInput
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotComputed):
		return domain.ErrNotFound
	default:
		return domain.ErrDependencyUnavailable
	}
}

func outcomeLabel(kind error) string {
	switch kind {
	case domain.ErrInvalidInput:
		return "invalid_input"
	case domain.ErrNotFound:
		return "not_found"
	case domain.ErrTimeout:
		return "timeout"
	case domain.ErrInvalidDistribution:
		return "invalid_distribution"
	case domain.ErrInvalidOdds:
		return "invalid_odds"
	default:
		return "unavailable"
	}
}

func validateRequest(req domain.PredictionRequest) error {
	if err := cache.ValidateID("match_id", req.MatchID); err != nil {
		return err
	}
	if err := cache.ValidateID("market", string(req.Market)); err != nil {
		return err
	}
	return cache.ValidateID("scope", req.Scope)
}

func (s *InferenceService) breakerChanged(name string, from, to breaker.State) {
	s.opts.Metrics.SetBreakerState(name, int(to))
	level := slog.LevelInfo
	if to == breaker.StateOpen {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("dependency", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}
