package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/senzu-ai/senzu/internal/breaker"
	"github.com/senzu-ai/senzu/internal/cache"
	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/feature"
	"github.com/senzu-ai/senzu/internal/feed"
	"github.com/senzu-ai/senzu/internal/notify"
	"github.com/senzu-ai/senzu/internal/registry"
	"github.com/senzu-ai/senzu/internal/retry"
	"github.com/senzu-ai/senzu/internal/server"
	"github.com/senzu-ai/senzu/internal/server/handler"
	"github.com/senzu-ai/senzu/internal/server/ws"
	"github.com/senzu-ai/senzu/internal/service"
)

// Core is the inference path assembled over a set of Dependencies.
type Core struct {
	Predictions *cache.Cache[domain.PredictionResult]
	Features    *feature.CachedStore
	Registry    *registry.Registry
	Inference   *service.InferenceService
}

// BuildCore assembles the caches, model registry and inference service.
func (a *App) BuildCore(deps *Dependencies) *Core {
	settings := a.breakerSettings()
	alert := deps.Notifier.BreakerHook()

	// Cache breakers live outside the service's group, so they report
	// transitions themselves.
	cacheOptions := func(name string) cache.Options {
		s := settings
		s.Name = name
		s.OnStateChange = func(name string, from, to breaker.State) {
			deps.Metrics.SetBreakerState(name, int(to))
			a.logger.Warn("breaker state changed",
				slog.String("dependency", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			alert(name, from, to)
		}
		return cache.Options{
			Name:           name,
			LeaseTTL:       a.cfg.Cache.LeaseTTL.Duration,
			LeaseWait:      a.cfg.Cache.LeaseWait.Duration,
			LeaseRetries:   a.cfg.Cache.LeaseRetries,
			BypassLimit:    a.cfg.Cache.BypassLimit,
			ComputeTimeout: a.cfg.Cache.ComputeTimeout.Duration,
			Breaker:        breaker.New(s),
			Metrics:        deps.Metrics,
			Logger:         a.base,
		}
	}

	predictions := cache.New[domain.PredictionResult](
		deps.CacheBackend, deps.LockManager,
		cache.JSONCodec[domain.PredictionResult]{Tag: "prediction.v1"},
		cacheOptions("cache"),
	)

	featureCache := cache.New[domain.FeatureVector](
		deps.CacheBackend, deps.LockManager,
		cache.JSONCodec[domain.FeatureVector]{Tag: "feature.v1"},
		cacheOptions("feature_cache"),
	)
	features := feature.NewCachedStore(
		deps.FeatureStore, featureCache,
		feature.NewSchema(a.cfg.Features.Dimensions),
		a.cfg.Cache.FeatureTTL.Duration, a.base,
	)

	c := &Core{Predictions: predictions, Features: features}

	c.Registry = registry.New(deps.ModelStore, deps.BlobReader, deps.AuditStore, registry.Options{
		WorkingSetSize: a.cfg.Models.WorkingSetSize,
		LoadTimeout:    a.cfg.Models.LoadTimeout.Duration,
		OnActivate: func(ctx context.Context, scope string) error {
			return c.Inference.InvalidateScope(ctx, scope)
		},
		Metrics: deps.Metrics,
		Logger:  a.base,
	})

	settings.OnStateChange = alert
	c.Inference = service.NewInferenceService(service.Dependencies{
		Predictions: predictions,
		Features:    features,
		Matches:     deps.MatchStore,
		Odds:        deps.OddsStore,
		Models:      c.Registry,
		Store:       deps.PredictionStore,
		Bus:         deps.SignalBus,
	}, service.InferenceOptions{
		DefaultDeadline: a.cfg.Inference.DefaultDeadline.Duration,
		MaxDeadline:     a.cfg.Inference.MaxDeadline.Duration,
		Retry: retry.Policy{
			MaxAttempts: a.cfg.Retry.MaxAttempts,
			Initial:     a.cfg.Retry.Initial.Duration,
			Max:         a.cfg.Retry.Max.Duration,
			Multiplier:  a.cfg.Retry.Multiplier,
		},
		TTL:      a.ttlPolicy(),
		Breakers: settings,
		Metrics:  deps.Metrics,
		Logger:   a.base,
	})
	return c
}

func (a *App) breakerSettings() breaker.Settings {
	b := a.cfg.Breaker
	return breaker.Settings{
		FailureThreshold:  b.FailureThreshold,
		FailureRate:       b.FailureRate,
		MinRequests:       b.MinRequests,
		Window:            b.Window.Duration,
		Cooldown:          b.Cooldown.Duration,
		HalfOpenSuccesses: b.HalfOpenSuccesses,
	}
}

func (a *App) ttlPolicy() cache.TTLPolicy {
	c := a.cfg.Cache
	return cache.TTLPolicy{
		FarTTL:         c.FarTTL.Duration,
		UpcomingWindow: c.UpcomingWindow.Duration,
		UpcomingTTL:    c.UpcomingTTL.Duration,
		NearWindow:     c.NearWindow.Duration,
		NearTTL:        c.NearTTL.Duration,
		LiveTTL:        c.LiveTTL.Duration,
		CompletedTTL:   c.CompletedTTL.Duration,
	}
}

// ServerMode serves the HTTP API and applies upstream change notifications.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)

	c := a.BuildCore(deps)
	a.warmup(ctx, c)
	a.startListener(ctx, g, deps, c)
	a.startHTTPServer(ctx, g, deps, c)
	a.announce(ctx, deps)

	return g.Wait()
}

// WorkerMode applies upstream change notifications and archives old
// predictions.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)

	c := a.BuildCore(deps)
	a.startListener(ctx, g, deps, c)
	a.startArchiver(ctx, g, deps)
	a.announce(ctx, deps)

	return g.Wait()
}

// FullMode runs every component in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	c := a.BuildCore(deps)
	a.warmup(ctx, c)
	a.startListener(ctx, g, deps, c)
	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, c)
	a.announce(ctx, deps)

	return g.Wait()
}

// warmup pre-loads configured scopes. Failures are logged; the scope loads
// lazily on first request instead.
func (a *App) warmup(ctx context.Context, c *Core) {
	scopes := a.cfg.Models.WarmScopes
	if len(scopes) == 0 {
		return
	}
	if err := c.Registry.Warmup(ctx, scopes); err != nil {
		a.logger.WarnContext(ctx, "model warmup incomplete",
			slog.Any("scopes", scopes),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "models warmed", slog.Any("scopes", scopes))
}

func (a *App) startListener(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *Core) {
	listener := feed.NewUpstreamListener(deps.SignalBus, c.Inference, a.base)
	g.Go(func() error {
		return listener.Run(ctx)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		a.logger.InfoContext(ctx, "prediction archiver disabled")
		return
	}
	interval := a.cfg.Archive.Interval.Duration
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.archiveOnce(ctx, deps.Archiver)
			}
		}
	})
}

func (a *App) archiveOnce(ctx context.Context, archiver domain.Archiver) {
	cutoff := time.Now().UTC().Add(-a.cfg.Archive.Retention.Duration)
	n, err := archiver.ArchivePredictions(ctx, cutoff)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.ErrorContext(ctx, "prediction archive failed",
				slog.Time("cutoff", cutoff),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	a.logger.InfoContext(ctx, "prediction archive complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("rows", n),
	)
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *Core) {
	hub := ws.NewHub(deps.SignalBus, a.base, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, a.Handlers(deps, c), server.Deps{
		Limiter:  deps.RateLimiter,
		Recorder: deps.Metrics,
	}, hub, a.base)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// Handlers builds the HTTP handlers over a Core.
func (a *App) Handlers(deps *Dependencies, c *Core) server.Handlers {
	logger := a.base.With(slog.String("component", "http"))
	return server.Handlers{
		Health:      handler.NewHealthHandler(deps.Checks, logger),
		Status:      handler.NewStatusHandler(a.cfg.Mode, a.startedAt, c.Inference, c.Registry),
		Predictions: handler.NewPredictionHandler(c.Inference, deps.PredictionStore, a.cfg.Models.DefaultScope, logger),
		Upstream:    handler.NewUpstreamHandler(c.Inference, logger),
		Models:      handler.NewModelHandler(c.Registry, logger),
		Metrics:     deps.Metrics.Handler(),
	}
}

// announce sends the startup alert without holding up the modes.
func (a *App) announce(ctx context.Context, deps *Dependencies) {
	if !deps.Notifier.Enabled(notify.EventStartup) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		msg := fmt.Sprintf("senzu started in %s mode at %s", a.cfg.Mode, a.startedAt.Format(time.RFC3339))
		if err := deps.Notifier.Notify(ctx, notify.EventStartup, "senzu started", msg); err != nil {
			a.logger.WarnContext(ctx, "startup alert failed", slog.String("error", err.Error()))
		}
	}()
}
