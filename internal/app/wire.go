package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/senzu-ai/senzu/internal/blob/s3"
	cachemem "github.com/senzu-ai/senzu/internal/cache/memory"
	"github.com/senzu-ai/senzu/internal/cache/redis"
	"github.com/senzu-ai/senzu/internal/config"
	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/metrics"
	"github.com/senzu-ai/senzu/internal/notify"
	"github.com/senzu-ai/senzu/internal/server/handler"
	"github.com/senzu-ai/senzu/internal/store/memory"
	"github.com/senzu-ai/senzu/internal/store/postgres"
)

// Dependencies bundles every backing-service adapter the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	MatchStore      domain.MatchStore
	OddsStore       domain.OddsStore
	FeatureStore    domain.FeatureStore
	ModelStore      domain.ModelStore
	PredictionStore domain.PredictionStore
	AuditStore      domain.AuditStore

	// Caches and messaging
	CacheBackend domain.CacheBackend
	LockManager  domain.LockManager
	RateLimiter  domain.RateLimiter // nil without Redis
	SignalBus    domain.SignalBus

	// Blob storage
	BlobReader domain.BlobReader
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver // nil when archiving is disabled

	Metrics  *metrics.Manager
	Notifier *notify.Notifier

	// Checks ping each backing service for the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Checks: map[string]handler.Check{},
		Metrics: metrics.NewManager(
			metrics.WithNamespace(cfg.Metrics.Namespace),
			metrics.WithMetricsEnabled(cfg.Metrics.Enabled),
		),
	}

	// --- Durable stores ---
	if strings.EqualFold(cfg.Storage, "memory") {
		logger.WarnContext(ctx, "using in-memory stores; predictions are not durable")
		deps.MatchStore = memory.NewMatches()
		deps.OddsStore = memory.NewOdds()
		deps.FeatureStore = memory.NewFeatures()
		deps.ModelStore = memory.NewModels()
		deps.PredictionStore = memory.NewPredictions()
		deps.AuditStore = memory.NewAudit()
	} else {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Postgres.DSN,
			Host:             cfg.Postgres.Host,
			Port:             cfg.Postgres.Port,
			Database:         cfg.Postgres.Database,
			User:             cfg.Postgres.User,
			Password:         cfg.Postgres.Password,
			SSLMode:          cfg.Postgres.SSLMode,
			MaxConns:         cfg.Postgres.PoolMaxConns,
			MinConns:         cfg.Postgres.PoolMinConns,
			StatementTimeout: cfg.Postgres.StatementTimeout.Duration,
			ApplicationName:  "senzu-" + strings.ToLower(cfg.Mode),
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.MatchStore = postgres.NewMatchStore(pool)
		deps.OddsStore = postgres.NewOddsStore(pool)
		deps.FeatureStore = postgres.NewFeatureStore(pool)
		deps.ModelStore = postgres.NewModelStore(pool)
		deps.PredictionStore = postgres.NewPredictionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Cache backend, locks and signal bus ---
	if cfg.Redis.Addr == "" {
		logger.WarnContext(ctx, "redis.addr is empty; cache, locks and bus are process-local")
		deps.CacheBackend = cachemem.NewBackend(domain.SystemClock{})
		deps.LockManager = cachemem.NewLockManager(domain.SystemClock{})
		deps.SignalBus = cachemem.NewBus()
	} else {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.CacheBackend = redis.NewBackend(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3: model payloads and the prediction archive ---
	s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		Prefix:         cfg.S3.Prefix,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: s3: %w", err)
	}
	deps.BlobReader = s3blob.NewReader(s3Client)
	deps.BlobWriter = s3blob.NewWriter(s3Client)
	deps.Checks["s3"] = s3Client.Health
	if cfg.Archive.Enabled {
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.PredictionStore, deps.AuditStore, deps.Metrics, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			// Alerts are best effort; a bad token must not keep the service down.
			logger.WarnContext(ctx, "telegram alerts disabled", slog.String("error", err.Error()))
		} else {
			senders = append(senders, tg)
		}
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
