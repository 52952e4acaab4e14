// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"SYNC_ADDR" envDefault:":8080"`

	// Storage
	DatabaseURL        string        `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/syncserver?sslmode=disable"`
	DBMaxOpenConns     int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime  time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBCommandTimeout   time.Duration `env:"DB_COMMAND_TIMEOUT" envDefault:"5s"`
	PersistenceVersion int           `env:"PERSISTENCE_FORMAT_VERSION" envDefault:"1"`

	// Sync protocol
	PullChunkSize  int `env:"SYNC_PULL_CHUNK_SIZE" envDefault:"100"`
	MaxConnections int `env:"SYNC_MAX_CONNECTIONS" envDefault:"2000"`

	// Rate limiting (per-connection message rate)
	MessageRateLimit int `env:"SYNC_MESSAGE_RATE_LIMIT" envDefault:"20"`  // messages/sec sustained
	MessageRateBurst int `env:"SYNC_MESSAGE_RATE_BURST" envDefault:"100"` // messages burst

	// Authorization
	AdminSecret     string `env:"SYNC_ADMIN_SECRET"`
	JWTSigningKey   string `env:"SYNC_JWT_SIGNING_KEY"`
	LegacyAuthToken string `env:"SYNC_LEGACY_AUTH_TOKEN"`

	// Monitoring
	MetricsInterval time.Duration `env:"SYNC_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Environment variables always take precedence over the .env
// file; both take precedence over struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if cfg.PullChunkSize <= 0 {
		return nil, fmt.Errorf("config: SYNC_PULL_CHUNK_SIZE must be positive, got %d", cfg.PullChunkSize)
	}

	return cfg, nil
}
