// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	collyfetcher "github.com/JakeFAU/realtime-cpi-extractor/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/events"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/logging"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/breaker"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/governor"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/pool"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/telemetry"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/worker"
)

// EnvPrefix namespaces environment overrides, e.g. EXTRACTOR_POOL_MAX_CONCURRENCY.
const EnvPrefix = "EXTRACTOR"

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Health    HealthConfig    `mapstructure:"health"`
	Alarms    AlarmsConfig    `mapstructure:"alarms"`
	Events    EventsConfig    `mapstructure:"events"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SandboxConfig is the per-call resource envelope plus component selection.
type SandboxConfig struct {
	// ComponentPath is a JS extractor component; empty selects the builtin.
	ComponentPath    string        `mapstructure:"component_path"`
	MemoryPages      uint32        `mapstructure:"memory_pages"`
	Fuel             uint64        `mapstructure:"fuel"`
	EpochDeadline    time.Duration `mapstructure:"epoch_deadline"`
	EpochTick        time.Duration `mapstructure:"epoch_tick"`
	MaxTableElements uint32        `mapstructure:"max_table_elements"`
	MaxInstances     uint32        `mapstructure:"max_instances"`
	MaxStackBytes    uint32        `mapstructure:"max_stack_bytes"`
	MaxInputBytes    int           `mapstructure:"max_input_bytes"`
}

// PoolConfig sizes the instance pool.
type PoolConfig struct {
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	MaxInstances      int           `mapstructure:"max_instances"`
	MaxIdle           int           `mapstructure:"max_idle"`
	MinWarm           int           `mapstructure:"min_warm"`
	CheckoutTimeout   time.Duration `mapstructure:"checkout_timeout"`
	MaxIdleTime       time.Duration `mapstructure:"max_idle_time"`
	EvictionThreshold int           `mapstructure:"eviction_threshold"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	SuccessThreshold  int           `mapstructure:"success_threshold"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	HalfOpenMaxProbes int           `mapstructure:"half_open_max_probes"`
}

// HealthConfig controls the idle sweep.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// AlarmsConfig controls repeated-fault alarms and where they are published.
type AlarmsConfig struct {
	Window    time.Duration `mapstructure:"window"`
	Instances int           `mapstructure:"instances"`
	Topic     string        `mapstructure:"topic"`
}

// EventsConfig tunes the event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	RecordCalls    bool          `mapstructure:"record_calls"`
}

// PipelineConfig governs the job queue and workers.
type PipelineConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	BlobPrefix       string        `mapstructure:"blob_prefix"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
}

// FetcherConfig configures the colly fetcher.
type FetcherConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// RateLimitConfig configures per-host fetch throttling.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// StorageConfig selects where document JSON is written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DatabaseConfig controls access to Postgres. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project disables Pub/Sub.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig selects the OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Protocol    string  `mapstructure:"protocol"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	sb := sandbox.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", int64(sb.MaxInputBytes)+(1<<20))
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("sandbox.component_path", "")
	v.SetDefault("sandbox.memory_pages", sb.Limits.MemoryPages)
	v.SetDefault("sandbox.fuel", sb.Limits.Fuel)
	v.SetDefault("sandbox.epoch_deadline", sb.Limits.EpochDeadline)
	v.SetDefault("sandbox.epoch_tick", sb.EpochTick)
	v.SetDefault("sandbox.max_table_elements", sb.Limits.MaxTableElements)
	v.SetDefault("sandbox.max_instances", sb.Limits.MaxInstances)
	v.SetDefault("sandbox.max_stack_bytes", sb.Limits.MaxStackBytes)
	v.SetDefault("sandbox.max_input_bytes", sb.MaxInputBytes)

	v.SetDefault("pool.max_concurrency", sb.Pool.MaxConcurrency)
	v.SetDefault("pool.max_instances", sb.Pool.MaxInstances)
	v.SetDefault("pool.max_idle", sb.Pool.MaxIdle)
	v.SetDefault("pool.min_warm", sb.Pool.MinWarm)
	v.SetDefault("pool.checkout_timeout", sb.Pool.CheckoutTimeout)
	v.SetDefault("pool.max_idle_time", sb.Pool.MaxIdleTime)
	v.SetDefault("pool.eviction_threshold", sb.Pool.EvictionThreshold)

	v.SetDefault("breaker.failure_threshold", sb.Breaker.FailureThreshold)
	v.SetDefault("breaker.success_threshold", sb.Breaker.SuccessThreshold)
	v.SetDefault("breaker.cooldown", sb.Breaker.Cooldown)
	v.SetDefault("breaker.half_open_max_probes", sb.Breaker.HalfOpenMaxProbes)

	v.SetDefault("health.interval", sb.HealthInterval)
	v.SetDefault("alarms.window", sb.AlarmWindow)
	v.SetDefault("alarms.instances", sb.AlarmInstances)
	v.SetDefault("alarms.topic", "")

	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 1000)
	v.SetDefault("events.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("events.sink_timeout", 10*time.Second)
	v.SetDefault("events.record_calls", true)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("pipeline.blob_prefix", "documents")
	v.SetDefault("pipeline.max_retries", 2)
	v.SetDefault("pipeline.retry_backoff_base", 250*time.Millisecond)

	v.SetDefault("fetcher.user_agent", "realtime-cpi-extractor/0.1")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.max_body_bytes", sb.MaxInputBytes)

	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 2)

	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "realtime-cpi-extractor")
	v.SetDefault("tracing.protocol", "grpc")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if err := c.SandboxRuntimeConfig().Validate(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if c.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be > 0")
	}
	if c.Pipeline.QueueDepth <= 0 {
		return errors.New("pipeline.queue_depth must be > 0")
	}
	if c.Pipeline.MaxRetries < 0 {
		return errors.New("pipeline.max_retries must be >= 0")
	}
	if c.Fetcher.Timeout <= 0 {
		return errors.New("fetcher.timeout must be > 0")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs (got %q)", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" && c.Alarms.Topic == "" {
		return errors.New("pubsub.topic or alarms.topic must be set when pubsub.project_id is set")
	}
	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Protocol) {
		case "grpc", "http":
		default:
			return fmt.Errorf("tracing.protocol must be grpc or http (got %q)", c.Tracing.Protocol)
		}
	}
	return nil
}

// SandboxRuntimeConfig converts the sandbox, pool, breaker, health and alarm
// sections into the runtime's config.
func (c Config) SandboxRuntimeConfig() sandbox.Config {
	return sandbox.Config{
		Limits: governor.Limits{
			MemoryPages:      c.Sandbox.MemoryPages,
			Fuel:             c.Sandbox.Fuel,
			EpochDeadline:    c.Sandbox.EpochDeadline,
			MaxTableElements: c.Sandbox.MaxTableElements,
			MaxInstances:     c.Sandbox.MaxInstances,
			MaxStackBytes:    c.Sandbox.MaxStackBytes,
		},
		Pool: pool.Config{
			MaxConcurrency:    c.Pool.MaxConcurrency,
			MaxInstances:      c.Pool.MaxInstances,
			MaxIdle:           c.Pool.MaxIdle,
			MinWarm:           c.Pool.MinWarm,
			CheckoutTimeout:   c.Pool.CheckoutTimeout,
			MaxIdleTime:       c.Pool.MaxIdleTime,
			EvictionThreshold: c.Pool.EvictionThreshold,
		},
		Breaker: breaker.Config{
			FailureThreshold:  c.Breaker.FailureThreshold,
			SuccessThreshold:  c.Breaker.SuccessThreshold,
			Cooldown:          c.Breaker.Cooldown,
			HalfOpenMaxProbes: c.Breaker.HalfOpenMaxProbes,
		},
		EpochTick:      c.Sandbox.EpochTick,
		HealthInterval: c.Health.Interval,
		MaxInputBytes:  c.Sandbox.MaxInputBytes,
		AlarmWindow:    c.Alarms.Window,
		AlarmInstances: c.Alarms.Instances,
	}
}

// HubConfig converts the events section; the caller fills in BaseContext and
// Logger.
func (c Config) HubConfig() events.Config {
	return events.Config{
		BufferSize:     c.Events.BufferSize,
		MaxBatchEvents: c.Events.MaxBatchEvents,
		MaxBatchWait:   c.Events.MaxBatchWait,
		SinkTimeout:    c.Events.SinkTimeout,
	}
}

// WorkerConfig converts the pipeline section.
func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		BlobPrefix:       c.Pipeline.BlobPrefix,
		Topic:            c.PubSub.Topic,
		MaxRetries:       c.Pipeline.MaxRetries,
		RetryBackoffBase: c.Pipeline.RetryBackoffBase,
	}
}

// FetcherConfig converts the fetcher section.
func (c Config) FetcherConfig() collyfetcher.Config {
	return collyfetcher.Config{
		UserAgent:     c.Fetcher.UserAgent,
		RespectRobots: c.Fetcher.RespectRobots,
		Timeout:       c.Fetcher.Timeout,
		MaxBodySize:   c.Fetcher.MaxBodyBytes,
	}
}

// RateLimitConfig converts the rate_limit section.
func (c Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{DefaultRPS: c.RateLimit.RPS, DefaultBurst: c.RateLimit.Burst}
}

// PostgresConfig converts the database section.
func (c Config) PostgresConfig() postgres.Config {
	return postgres.Config{
		DSN:             c.Database.DSN,
		MaxConns:        c.Database.MaxConns,
		MinConns:        c.Database.MinConns,
		MaxConnLifetime: c.Database.MaxConnLifetime,
	}
}

// LoggerConfig converts the logging section.
func (c Config) LoggerConfig() logging.Config {
	return logging.Config{Development: c.Logging.Development, Level: c.Logging.Level}
}

// TracerConfig converts the tracing section.
func (c Config) TracerConfig(version string) telemetry.TracingConfig {
	return telemetry.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Version:     version,
		Protocol:    c.Tracing.Protocol,
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		SampleRate:  c.Tracing.SampleRate,
	}
}
