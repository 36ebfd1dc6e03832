package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Identity  IdentityConfig
	Health    HealthConfig
	Gate      GateConfig
	RateLimit RateLimitConfig
	Logging   LogConfig
	Metrics   MetricsConfig
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	RPCAddr      string `envconfig:"RPC_ADDR" default:"0.0.0.0:4977"`
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8000"`
	HTTPMaxConns int    `envconfig:"HTTP_MAX_CONNS" default:"1024"`
}

// StorageConfig holds on-disk state configuration.
type StorageConfig struct {
	Path        string `envconfig:"STORAGE_PATH" default:"rpc-discovery"`
	MaxParallel int    `envconfig:"STORAGE_MAX_PARALLEL" default:"256"`
}

// IdentityConfig holds the seed of the RPC key pair. An empty seed is
// generated on first start and kept under the storage path.
type IdentityConfig struct {
	Seed string `envconfig:"IDENTITY_SEED"`
}

// HealthConfig holds health monitor configuration.
type HealthConfig struct {
	Enabled   bool          `envconfig:"HEALTH_ENABLED" default:"true"`
	Frequency time.Duration `envconfig:"HEALTH_FREQUENCY" default:"15m"`
	MaxTime   time.Duration `envconfig:"HEALTH_MAX_TIME" default:"10s"`
}

// GateConfig holds RPC admission configuration. Zero limits are disabled.
type GateConfig struct {
	AllowedKeys   []string `envconfig:"RPC_ALLOWED_KEYS"`
	MaxConns      int      `envconfig:"GATE_MAX_CONNS" default:"0"`
	RPS           float64  `envconfig:"GATE_RPS" default:"0"`
	Burst         int      `envconfig:"GATE_BURST" default:"0"`
	MaxConcurrent int      `envconfig:"GATE_MAX_CONCURRENT" default:"0"`
	PolicyFile    string   `envconfig:"GATE_POLICY_FILE"`
}

// RateLimitConfig holds per-client limits of the query API.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	MaxClients        int  `envconfig:"RATE_LIMIT_MAX_CLIENTS" default:"10000"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
	// Output is a file path or zap sink; empty writes to stdout.
	Output string `envconfig:"LOG_OUTPUT"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks settings that envconfig cannot.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("invalid config: STORAGE_PATH is empty")
	}
	if c.Storage.MaxParallel <= 0 {
		return fmt.Errorf("invalid config: STORAGE_MAX_PARALLEL must be positive, got %d", c.Storage.MaxParallel)
	}
	if c.Health.Enabled && c.Health.MaxTime >= c.Health.Frequency {
		return fmt.Errorf("invalid config: HEALTH_MAX_TIME (%s) must be below HEALTH_FREQUENCY (%s)",
			c.Health.MaxTime, c.Health.Frequency)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			RPCAddr:      "0.0.0.0:4977",
			HTTPAddr:     "0.0.0.0:8000",
			HTTPMaxConns: 1024,
		},
		Storage: StorageConfig{
			Path:        "rpc-discovery",
			MaxParallel: 256,
		},
		Health: HealthConfig{
			Enabled:   true,
			Frequency: 15 * time.Minute,
			MaxTime:   10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			MaxClients:        10000,
			Enabled:           true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
