// Package storage owns the shared Postgres connection pool and the schema
// migrations for rate limit buckets and OAuth tokens.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Driver selects where durable state lives.
type Driver string

const (
	// DriverMemory keeps buckets and tokens in process memory.
	DriverMemory Driver = "memory"
	// DriverPostgres keeps buckets and tokens in Postgres.
	DriverPostgres Driver = "postgres"
)

// Config configures durable storage.
type Config struct {
	Driver            Driver        `yaml:"driver" toml:"driver"`
	DSN               string        `yaml:"dsn" toml:"dsn" env:"DSN"`
	MaxConns          int32         `yaml:"max_conns" toml:"max_conns"`
	MinConns          int32         `yaml:"min_conns" toml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime" toml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time" toml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period" toml:"health_check_period"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	Migrate           bool          `yaml:"migrate" toml:"migrate"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Driver {
	case "", DriverMemory:
		return nil
	case DriverPostgres:
		if c.DSN == "" {
			return errors.New("storage: dsn is required for the postgres driver")
		}
		if c.MaxConns < 0 || c.MinConns < 0 {
			return errors.New("storage: connection limits must not be negative")
		}
		if c.MaxConns > 0 && c.MinConns > c.MaxConns {
			return errors.New("storage: min_conns must not exceed max_conns")
		}
		return nil
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Driver)
	}
}

// IsPostgres reports whether the postgres driver is selected.
func (c *Config) IsPostgres() bool {
	return c.Driver == DriverPostgres
}

// Connect opens a pool, verifies it with a ping and applies migrations when
// cfg.Migrate is set.
func Connect(ctx context.Context, cfg *Config, log *zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	log.Info().
		Str("host", poolCfg.ConnConfig.Host).
		Str("database", poolCfg.ConnConfig.Database).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("postgres pool ready")

	if cfg.Migrate {
		if err := Migrate(ctx, pool, log); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

// Healthcheck returns a probe that pings pool.
func Healthcheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("storage: healthcheck: %w", err)
		}
		return nil
	}
}
