package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/vireshop/checkout/pkg/config"
	"github.com/vireshop/checkout/pkg/database"
)

// Config holds all configuration for the checkout service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"CHECKOUT_HTTP_PORT" envDefault:"8004"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"checkout"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"checkout_secret"`
	PostgresDB   string `env:"CHECKOUT_DB_NAME" envDefault:"checkout"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPass string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Reservation hold: how long reserved stock is held pending payment.
	HoldTTLMinutes int `env:"RESERVATION_HOLD_TTL_MINUTES" envDefault:"10"`

	// How long reservation payloads outlive their logical expiry so the
	// recovery flow can still read them.
	PersistTTLHours int `env:"RESERVATION_PERSIST_TTL_HOURS" envDefault:"48"`

	// Expiration sweeper
	SweepIntervalSeconds int `env:"SWEEP_INTERVAL_SECONDS" envDefault:"30"`
	SweepBatchSize       int `env:"SWEEP_BATCH_SIZE" envDefault:"100"`

	// Abandoned-cart recovery
	RecoveryIntervalMinutes int    `env:"RECOVERY_INTERVAL_MINUTES" envDefault:"5"`
	RecoveryBatchSize       int    `env:"RECOVERY_BATCH_SIZE" envDefault:"50"`
	RecoveryBaseURL         string `env:"RECOVERY_BASE_URL" envDefault:"http://localhost:3000"`

	// Idempotency record retention.
	IdempotencyTTLHours int `env:"IDEMPOTENCY_TTL_HOURS" envDefault:"24"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load checkout config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}
	if c.HoldTTLMinutes < 1 {
		return fmt.Errorf("invalid reservation hold TTL: %d minutes", c.HoldTTLMinutes)
	}
	if c.PersistTTLHours*60 < c.HoldTTLMinutes {
		return fmt.Errorf("persist TTL (%dh) must not be shorter than the hold TTL (%dm)",
			c.PersistTTLHours, c.HoldTTLMinutes)
	}
	return nil
}

// Postgres returns the PostgreSQL pool configuration.
func (c *Config) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: time.Duration(c.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute,
	}
}

// Redis returns the Redis connection configuration.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPass,
		DB:       c.RedisDB,
	}
}

// HoldTTL returns the reservation hold duration.
func (c *Config) HoldTTL() time.Duration {
	return time.Duration(c.HoldTTLMinutes) * time.Minute
}

// PersistTTL returns the payload retention duration.
func (c *Config) PersistTTL() time.Duration {
	return time.Duration(c.PersistTTLHours) * time.Hour
}

// SweepInterval returns the sweeper tick interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// RecoveryInterval returns the recovery tick interval.
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalMinutes) * time.Minute
}

// IdempotencyTTL returns the idempotency record retention duration.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}
