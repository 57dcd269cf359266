package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SENZU_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from SENZU_* variables that are
// set and non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SENZU_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SENZU_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SENZU_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SENZU_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SENZU_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SENZU_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SENZU_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SENZU_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SENZU_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SENZU_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SENZU_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SENZU_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SENZU_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SENZU_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "SENZU_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "SENZU_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SENZU_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SENZU_S3_REGION")
	setStr(&cfg.S3.Bucket, "SENZU_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "SENZU_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "SENZU_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SENZU_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SENZU_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SENZU_S3_FORCE_PATH_STYLE")

	// ── Cache ──
	setDuration(&cfg.Cache.LeaseTTL, "SENZU_CACHE_LEASE_TTL")
	setDuration(&cfg.Cache.ComputeTimeout, "SENZU_CACHE_COMPUTE_TIMEOUT")

	// ── Inference ──
	setDuration(&cfg.Inference.DefaultDeadline, "SENZU_INFERENCE_DEFAULT_DEADLINE")
	setDuration(&cfg.Inference.MaxDeadline, "SENZU_INFERENCE_MAX_DEADLINE")
	setInt(&cfg.Breaker.FailureThreshold, "SENZU_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.Cooldown, "SENZU_BREAKER_COOLDOWN")
	setInt(&cfg.Retry.MaxAttempts, "SENZU_RETRY_MAX_ATTEMPTS")

	// ── Models ──
	setStr(&cfg.Models.DefaultScope, "SENZU_MODELS_DEFAULT_SCOPE")
	setStringSlice(&cfg.Models.WarmScopes, "SENZU_MODELS_WARM_SCOPES")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "SENZU_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "SENZU_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "SENZU_ARCHIVE_RETENTION")

	// ── Server ──
	setInt(&cfg.Server.Port, "SENZU_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SENZU_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SENZU_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SENZU_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SENZU_NOTIFY_TELEGRAM_TOKEN")
	setInt64(&cfg.Notify.TelegramChatID, "SENZU_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.WebhookURL, "SENZU_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SENZU_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "SENZU_METRICS_ENABLED")

	// ── Top-level ──
	setStr(&cfg.Storage, "SENZU_STORAGE")
	setStr(&cfg.Mode, "SENZU_MODE")
	setStr(&cfg.LogLevel, "SENZU_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
