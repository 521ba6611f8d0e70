// Package config loads runtime configuration from the environment.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration for the market engine server.
type Config struct {
	Port int `envconfig:"PORT" default:"8080"`

	// DatabaseURL selects the PostgreSQL ledger. Empty → in-memory store.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// RedisURL enables the read-through market cache. Empty → no cache.
	RedisURL string        `envconfig:"REDIS_URL"`
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	// StartingBalance is the points grant for new users.
	StartingBalance decimal.Decimal `envconfig:"STARTING_BALANCE" default:"1000"`

	// DefaultLiquidity is the LMSR b parameter for markets created
	// without an explicit one.
	DefaultLiquidity decimal.Decimal `envconfig:"DEFAULT_LIQUIDITY" default:"100"`

	// MaxPositionPerOutcome/PerMarket cap per-user exposure; 0 disables
	// position limits entirely.
	MaxPositionPerOutcome decimal.Decimal `envconfig:"MAX_POSITION_PER_OUTCOME" default:"0"`
	MaxPositionPerMarket  decimal.Decimal `envconfig:"MAX_POSITION_PER_MARKET" default:"0"`

	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

// Load reads configuration from the environment, after loading an
// optional .env file. Missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
