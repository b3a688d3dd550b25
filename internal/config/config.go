// Package config loads and validates the marketlens runtime configuration
// from YAML files and MARKETLENS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment" validate:"required,oneof=development staging production"`

	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging" validate:"required"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server" validate:"required"`
	Upstream  UpstreamConfig  `mapstructure:"upstream" yaml:"upstream" validate:"required"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache" validate:"required"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler" validate:"required"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast" validate:"required"`
	Mirror    MirrorConfig    `mapstructure:"mirror" yaml:"mirror"`
	Settings  SettingsConfig  `mapstructure:"settings" yaml:"settings" validate:"required"`
	JWT       JWTConfig       `mapstructure:"jwt" yaml:"jwt" validate:"required"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
}

// ServerConfig holds the HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host" validate:"required"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"required"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"required"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// UpstreamConfig groups the vendor adapter settings.
type UpstreamConfig struct {
	Tradier TradierConfig `mapstructure:"tradier" yaml:"tradier" validate:"required"`
	Alpaca  AlpacaConfig  `mapstructure:"alpaca" yaml:"alpaca" validate:"required"`
}

// TradierConfig configures the market-data adapter.
type TradierConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"required"`
}

// AlpacaConfig configures the brokerage adapter.
type AlpacaConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	Key     string        `mapstructure:"key" yaml:"key"`
	Secret  string        `mapstructure:"secret" yaml:"secret"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"required"`
}

// CacheConfig controls the quote cache freshness windows and snapshots.
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"required"`
	StaleMultiplier int           `mapstructure:"stale_multiplier" yaml:"stale_multiplier" validate:"required,min=1"`
	NegativeTTL     time.Duration `mapstructure:"negative_ttl" yaml:"negative_ttl" validate:"required"`
	Shards          int           `mapstructure:"shards" yaml:"shards" validate:"required,min=1"`
	ChainTTL        time.Duration `mapstructure:"chain_ttl" yaml:"chain_ttl" validate:"required"`
	SnapshotPath    string        `mapstructure:"snapshot_path" yaml:"snapshot_path"`
	SnapshotEvery   time.Duration `mapstructure:"snapshot_every" yaml:"snapshot_every"`
}

// BreakerConfig controls the circuit breakers guarding upstream adapters.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" validate:"required,min=1"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown" validate:"required"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown" yaml:"max_cooldown" validate:"required"`
	BackoffFactor    float64       `mapstructure:"backoff_factor" yaml:"backoff_factor" validate:"required,min=1"`
}

// SchedulerConfig controls refresh cadence and upstream batching.
type SchedulerConfig struct {
	Tick              time.Duration `mapstructure:"tick" yaml:"tick" validate:"required"`
	MaxSymbolsPerCall int           `mapstructure:"max_symbols_per_call" yaml:"max_symbols_per_call" validate:"required,min=1"`
	MinCallSpacing    time.Duration `mapstructure:"min_call_spacing" yaml:"min_call_spacing" validate:"required"`
	Workers           int           `mapstructure:"workers" yaml:"workers" validate:"required,min=1,max=4"`
	PositionInterval  time.Duration `mapstructure:"position_interval" yaml:"position_interval" validate:"required"`
	SettingsInterval  time.Duration `mapstructure:"settings_interval" yaml:"settings_interval" validate:"required"`
}

// BroadcastConfig controls the WebSocket fan-out hub.
type BroadcastConfig struct {
	ClientQueueSize int           `mapstructure:"client_queue_size" yaml:"client_queue_size" validate:"required,min=1"`
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" validate:"required"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout" validate:"required"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"required"`
	MaxMessageSize  int64         `mapstructure:"max_message_size" yaml:"max_message_size" validate:"required"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size" yaml:"write_buffer_size"`
}

// MirrorConfig optionally mirrors quote deltas to Redis or Kafka for
// other dashboard services. Disabled by default.
type MirrorConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Backend string `mapstructure:"backend" yaml:"backend" validate:"omitempty,oneof=redis kafka"`
	Redis   struct {
		Address  string `mapstructure:"address" yaml:"address"`
		Password string `mapstructure:"password" yaml:"password"`
		DB       int    `mapstructure:"db" yaml:"db"`
		Channel  string `mapstructure:"channel" yaml:"channel"`
	} `mapstructure:"redis" yaml:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers" yaml:"brokers"`
		Topic   string   `mapstructure:"topic" yaml:"topic"`
	} `mapstructure:"kafka" yaml:"kafka"`
}

// SettingsConfig points at the read-only settings database
// (watchlists and risk defaults maintained by another service).
type SettingsConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"required,oneof=postgres sqlite"`
	DSN    string `mapstructure:"dsn" yaml:"dsn" validate:"required"`
}

// JWTConfig configures bearer-token verification on the API surface.
type JWTConfig struct {
	Secret   string `mapstructure:"secret" yaml:"secret" validate:"required"`
	Issuer   string `mapstructure:"issuer" yaml:"issuer"`
	Audience string `mapstructure:"audience" yaml:"audience"`
}

// TelemetryConfig controls tracing output.
type TelemetryConfig struct {
	TracingEnabled bool `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	PrettyPrint    bool `mapstructure:"pretty_print" yaml:"pretty_print"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("upstream.tradier.base_url", "https://sandbox.tradier.com")
	v.SetDefault("upstream.tradier.token", "")
	v.SetDefault("upstream.tradier.timeout", 10*time.Second)
	v.SetDefault("upstream.alpaca.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("upstream.alpaca.key", "")
	v.SetDefault("upstream.alpaca.secret", "")
	v.SetDefault("upstream.alpaca.timeout", 10*time.Second)

	v.SetDefault("cache.ttl", 5*time.Second)
	v.SetDefault("cache.stale_multiplier", 5)
	v.SetDefault("cache.negative_ttl", 30*time.Second)
	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.chain_ttl", 5*time.Minute)
	v.SetDefault("cache.snapshot_path", "")
	v.SetDefault("cache.snapshot_every", 30*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("breaker.max_cooldown", 5*time.Minute)
	v.SetDefault("breaker.backoff_factor", 2.0)

	v.SetDefault("scheduler.tick", 1*time.Second)
	v.SetDefault("scheduler.max_symbols_per_call", 25)
	v.SetDefault("scheduler.min_call_spacing", 500*time.Millisecond)
	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("scheduler.position_interval", 15*time.Second)
	v.SetDefault("scheduler.settings_interval", 1*time.Minute)

	v.SetDefault("broadcast.client_queue_size", 64)
	v.SetDefault("broadcast.ping_interval", 54*time.Second)
	v.SetDefault("broadcast.pong_timeout", 60*time.Second)
	v.SetDefault("broadcast.write_timeout", 10*time.Second)
	v.SetDefault("broadcast.max_message_size", 4096)
	v.SetDefault("broadcast.read_buffer_size", 1024)
	v.SetDefault("broadcast.write_buffer_size", 1024)

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.backend", "redis")
	v.SetDefault("mirror.redis.address", "localhost:6379")
	v.SetDefault("mirror.redis.password", "")
	v.SetDefault("mirror.redis.db", 0)
	v.SetDefault("mirror.redis.channel", "marketlens.quotes")
	v.SetDefault("mirror.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("mirror.kafka.topic", "marketlens.quotes")

	v.SetDefault("settings.driver", "sqlite")
	v.SetDefault("settings.dsn", "file:marketlens.db?cache=shared")

	v.SetDefault("jwt.secret", "dev-only-secret")
	v.SetDefault("jwt.issuer", "marketlens")
	v.SetDefault("jwt.audience", "")

	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.pretty_print", false)
}

// Load reads configuration from the given YAML file (optional), overlays
// MARKETLENS_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MARKETLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/marketlens")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration without consulting files or
// the environment. Used by -write-config and in tests.
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal defaults: %w", err)
	}
	return &cfg, nil
}

// StaleCeiling returns the hard staleness ceiling beyond which cached
// quotes are reported as missing.
func (c CacheConfig) StaleCeiling() time.Duration {
	return time.Duration(c.StaleMultiplier) * c.TTL
}
