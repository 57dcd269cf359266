// Package config defines the top-level configuration for the senzu inference
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SENZU_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Cache     CacheConfig     `toml:"cache"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Retry     RetryConfig     `toml:"retry"`
	Inference InferenceConfig `toml:"inference"`
	Models    ModelsConfig    `toml:"models"`
	Features  FeaturesConfig  `toml:"features"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
	// Storage selects the durable store: "postgres" or "memory".
	Storage  string `toml:"storage"`
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters. DSN wins over the
// discrete fields when set.
type PostgresConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr selects the
// in-process cache backend.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// S3Config holds the object store holding model payloads and archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// CacheConfig holds the prediction cache TTL tiers and lease settings.
type CacheConfig struct {
	FarTTL         duration `toml:"far_ttl"`
	UpcomingWindow duration `toml:"upcoming_window"`
	UpcomingTTL    duration `toml:"upcoming_ttl"`
	NearWindow     duration `toml:"near_window"`
	NearTTL        duration `toml:"near_ttl"`
	LiveTTL        duration `toml:"live_ttl"`
	CompletedTTL   duration `toml:"completed_ttl"`
	FeatureTTL     duration `toml:"feature_ttl"`
	LeaseTTL       duration `toml:"lease_ttl"`
	LeaseWait      duration `toml:"lease_wait"`
	LeaseRetries   int      `toml:"lease_retries"`
	BypassLimit    int64    `toml:"bypass_limit"`
	// ComputeTimeout bounds a lease holder's computation, which keeps
	// renewing its lease until it finishes.
	ComputeTimeout duration `toml:"compute_timeout"`
}

// BreakerConfig is shared by every dependency circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int      `toml:"failure_threshold"`
	FailureRate       float64  `toml:"failure_rate"`
	MinRequests       int      `toml:"min_requests"`
	Window            duration `toml:"window"`
	Cooldown          duration `toml:"cooldown"`
	HalfOpenSuccesses int      `toml:"half_open_successes"`
}

// RetryConfig bounds retries of idempotent dependency calls.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	Initial     duration `toml:"initial"`
	Max         duration `toml:"max"`
	Multiplier  float64  `toml:"multiplier"`
}

// InferenceConfig holds request deadlines.
type InferenceConfig struct {
	DefaultDeadline duration `toml:"default_deadline"`
	MaxDeadline     duration `toml:"max_deadline"`
}

// ModelsConfig controls the model registry.
type ModelsConfig struct {
	DefaultScope   string   `toml:"default_scope"`
	WarmScopes     []string `toml:"warm_scopes"`
	WorkingSetSize int      `toml:"working_set_size"`
	LoadTimeout    duration `toml:"load_timeout"`
}

// FeaturesConfig maps feature versions to vector dimensions.
type FeaturesConfig struct {
	Dimensions map[string]int `toml:"dimensions"`
}

// ArchiveConfig controls the prediction archiver.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
}

// duration wraps time.Duration so it can be decoded from a TOML string such as
// "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds alert channel credentials and the events to forward.
type NotifyConfig struct {
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID int64    `toml:"telegram_chat_id"`
	WebhookURL     string   `toml:"webhook_url"`
	Events         []string `toml:"events"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Defaults returns a Config populated with production defaults.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "senzu",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			StatementTimeout: duration{5 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "senzu:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "senzu-models",
			ForcePathStyle: true,
		},
		Cache: CacheConfig{
			FarTTL:         duration{30 * time.Minute},
			UpcomingWindow: duration{24 * time.Hour},
			UpcomingTTL:    duration{10 * time.Minute},
			NearWindow:     duration{2 * time.Hour},
			NearTTL:        duration{2 * time.Minute},
			LiveTTL:        duration{time.Minute},
			CompletedTTL:   duration{60 * time.Minute},
			FeatureTTL:     duration{5 * time.Minute},
			LeaseTTL:       duration{5 * time.Second},
			LeaseWait:      duration{25 * time.Millisecond},
			LeaseRetries:   4,
			BypassLimit:    8,
			ComputeTimeout: duration{30 * time.Second},
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			FailureRate:       0.5,
			MinRequests:       20,
			Window:            duration{time.Minute},
			Cooldown:          duration{30 * time.Second},
			HalfOpenSuccesses: 2,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Initial:     duration{50 * time.Millisecond},
			Max:         duration{500 * time.Millisecond},
			Multiplier:  2,
		},
		Inference: InferenceConfig{
			DefaultDeadline: duration{2 * time.Second},
			MaxDeadline:     duration{30 * time.Second},
		},
		Models: ModelsConfig{
			DefaultScope:   "epl",
			WorkingSetSize: 8,
			LoadTimeout:    duration{30 * time.Second},
		},
		Features: FeaturesConfig{
			Dimensions: map[string]int{"v1": 72},
		},
		Archive: ArchiveConfig{
			Enabled:   true,
			Interval:  duration{24 * time.Hour},
			Retention: duration{90 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   600,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"breaker.open", "startup"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "senzu",
		},
		Storage:  "postgres",
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStorage = map[string]bool{
	"postgres": true,
	"memory":   true,
}

// Validate checks the configuration and returns every problem found, joined
// into one error.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: server, worker, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	if !validStorage[strings.ToLower(c.Storage)] {
		add("unknown storage %q (valid: postgres, memory)", c.Storage)
	}

	if strings.EqualFold(c.Storage, "postgres") {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	if c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	tiers := []struct {
		name string
		d    duration
	}{
		{"far_ttl", c.Cache.FarTTL},
		{"upcoming_ttl", c.Cache.UpcomingTTL},
		{"near_ttl", c.Cache.NearTTL},
		{"live_ttl", c.Cache.LiveTTL},
		{"completed_ttl", c.Cache.CompletedTTL},
		{"feature_ttl", c.Cache.FeatureTTL},
	}
	for _, t := range tiers {
		if t.d.Duration <= 0 {
			add("cache: %s must be > 0", t.name)
		}
	}
	if c.Cache.FarTTL.Duration < c.Cache.UpcomingTTL.Duration ||
		c.Cache.UpcomingTTL.Duration < c.Cache.NearTTL.Duration ||
		c.Cache.NearTTL.Duration < c.Cache.LiveTTL.Duration {
		add("cache: ttl tiers must not increase towards kickoff (far >= upcoming >= near >= live)")
	}
	if c.Cache.NearWindow.Duration <= 0 || c.Cache.UpcomingWindow.Duration <= c.Cache.NearWindow.Duration {
		add("cache: upcoming_window must exceed near_window and both must be > 0")
	}
	if c.Cache.LeaseWait.Duration <= 0 || c.Cache.LeaseTTL.Duration <= c.Cache.LeaseWait.Duration {
		add("cache: lease_ttl must exceed lease_wait and both must be > 0")
	}
	if c.Cache.ComputeTimeout.Duration < c.Inference.MaxDeadline.Duration {
		add("cache: compute_timeout must be >= inference.max_deadline")
	}

	if c.Breaker.FailureThreshold < 1 {
		add("breaker: failure_threshold must be >= 1")
	}
	if c.Breaker.FailureRate < 0 || c.Breaker.FailureRate > 1 {
		add("breaker: failure_rate must be within [0, 1]")
	}
	if c.Breaker.Cooldown.Duration <= 0 {
		add("breaker: cooldown must be > 0")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry: max_attempts must be >= 1")
	}

	if c.Inference.DefaultDeadline.Duration <= 0 {
		add("inference: default_deadline must be > 0")
	}
	if c.Inference.MaxDeadline.Duration < c.Inference.DefaultDeadline.Duration {
		add("inference: max_deadline must be >= default_deadline")
	}

	if c.Models.DefaultScope == "" {
		add("models: default_scope must not be empty")
	}
	for v, dim := range c.Features.Dimensions {
		if dim <= 0 {
			add("features: dimension of %q must be > 0", v)
		}
	}

	if c.Archive.Enabled && c.Archive.Interval.Duration <= 0 {
		add("archive: interval must be > 0 when enabled")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		add("server: rate_window must be > 0 when rate_limit is set")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == 0) {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
