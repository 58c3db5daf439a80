package cache

import (
	"errors"
	"fmt"
	"time"
)

// Mode represents the cache operating mode.
type Mode string

const (
	// ModeSingle uses a local Ristretto cache.
	ModeSingle Mode = "single"

	// ModeHA uses a distributed Olric cache shared by all instances.
	ModeHA Mode = "ha"

	// ModeRedis uses an external Redis server shared by all instances.
	ModeRedis Mode = "redis"

	// ModeDisabled stores nothing.
	ModeDisabled Mode = "disabled"
)

// Olric memberlist environments.
const (
	EnvLocal = "local"
	EnvLAN   = "lan"
	EnvWAN   = "wan"
)

// Config defines cache configuration.
// Use Validate() to check for configuration errors before creating a cache.
type Config struct {
	Mode      Mode            `yaml:"mode" toml:"mode"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis" envPrefix:"REDIS_"`
	Olric     OlricConfig     `yaml:"olric" toml:"olric"`
	Ristretto RistrettoConfig `yaml:"ristretto" toml:"ristretto"`
}

// RistrettoConfig configures the Ristretto local cache.
type RistrettoConfig struct {
	// NumCounters is the number of 4-bit access counters.
	// Recommended: 10x expected max items for optimal admission policy.
	NumCounters int64 `yaml:"num_counters" toml:"num_counters"`

	// MaxCost is the maximum total byte size of cached values.
	MaxCost int64 `yaml:"max_cost" toml:"max_cost"`

	// BufferItems is the number of keys per Get buffer. Defaults to 64.
	BufferItems int64 `yaml:"buffer_items" toml:"buffer_items"`

	// WaitOnWrite blocks each write until Ristretto has applied it, so a Get
	// issued right after a Set observes the value.
	WaitOnWrite bool `yaml:"wait_on_write" toml:"wait_on_write"`
}

// OlricConfig configures the Olric distributed cache.
type OlricConfig struct {
	DMapName          string        `yaml:"dmap_name" toml:"dmap_name"`
	BindAddr          string        `yaml:"bind_addr" toml:"bind_addr"`
	Environment       string        `yaml:"environment" toml:"environment"`
	Addresses         []string      `yaml:"addresses" toml:"addresses"`
	Peers             []string      `yaml:"peers" toml:"peers"`
	ReplicaCount      int           `yaml:"replica_count" toml:"replica_count"`
	ReadQuorum        int           `yaml:"read_quorum" toml:"read_quorum"`
	WriteQuorum       int           `yaml:"write_quorum" toml:"write_quorum"`
	LeaveTimeout      time.Duration `yaml:"leave_timeout" toml:"leave_timeout"`
	MemberCountQuorum int32         `yaml:"member_count_quorum" toml:"member_count_quorum"`
	Embedded          bool          `yaml:"embedded" toml:"embedded"`
}

// RedisConfig configures the Redis cache.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string `yaml:"url" toml:"url" env:"URL"`

	// KeyPrefix is prepended to every key.
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`

	// DialTimeout bounds the initial connection check. Defaults to 5s.
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// Validate checks the configuration for errors.
// Returns nil if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSingle:
		if c.Ristretto.MaxCost <= 0 {
			return errors.New("cache: ristretto.max_cost must be positive")
		}
		if c.Ristretto.NumCounters <= 0 {
			return errors.New("cache: ristretto.num_counters must be positive")
		}
	case ModeHA:
		if !c.Olric.Embedded && len(c.Olric.Addresses) == 0 {
			return errors.New("cache: olric.addresses required when not embedded")
		}
		if c.Olric.Embedded && c.Olric.BindAddr == "" {
			return errors.New("cache: olric.bind_addr required when embedded")
		}
		switch c.Olric.Environment {
		case "", EnvLocal, EnvLAN, EnvWAN:
		default:
			return fmt.Errorf("cache: unknown olric.environment %q", c.Olric.Environment)
		}
	case ModeRedis:
		if c.Redis.URL == "" {
			return errors.New("cache: redis.url is required")
		}
	case ModeDisabled:
		// No validation needed for disabled mode
	case "":
		return errors.New("cache: mode is required")
	default:
		return fmt.Errorf("cache: unknown mode %q", c.Mode)
	}
	return nil
}

// DefaultRistrettoConfig returns a RistrettoConfig sized for ~100K entries
// within 64 MB.
func DefaultRistrettoConfig() RistrettoConfig {
	return RistrettoConfig{
		NumCounters: 1_000_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	}
}

// DefaultOlricConfig returns an OlricConfig using the "apigate" DMap.
func DefaultOlricConfig() OlricConfig {
	return OlricConfig{
		DMapName:    "apigate",
		Environment: EnvLocal,
	}
}
