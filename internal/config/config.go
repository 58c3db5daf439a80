// Package config provides configuration loading, validation and hot reload
// for apigate.
package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/omarluq/apigate/internal/cache"
	"github.com/omarluq/apigate/internal/client"
	"github.com/omarluq/apigate/internal/health"
	"github.com/omarluq/apigate/internal/ratelimit"
	"github.com/omarluq/apigate/internal/storage"
	"github.com/omarluq/apigate/internal/tokens"
)

// RuntimeConfig gives access to the current configuration across reloads.
// Components that observe reloads should hold this instead of a *Config.
type RuntimeConfig interface {
	Get() *Config
}

// Log level constants.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Refresh styles.
const (
	RefreshJSON = "json"
	RefreshForm = "form"
)

// Config represents the complete apigate configuration.
type Config struct {
	OAuth     OAuthConfig      `yaml:"oauth" toml:"oauth" envPrefix:"OAUTH_"`
	Cache     CacheConfig      `yaml:"cache" toml:"cache" envPrefix:"CACHE_"`
	Storage   storage.Config   `yaml:"storage" toml:"storage" envPrefix:"STORAGE_"`
	Logging   LoggingConfig    `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
	Server    ServerConfig     `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Client    client.Config    `yaml:"client" toml:"client" envPrefix:"CLIENT_"`
	Health    health.Config    `yaml:"health" toml:"health"`
	RateLimit ratelimit.Policy `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig defines the HTTP surface.
type ServerConfig struct {
	Listen        string     `yaml:"listen" toml:"listen" env:"LISTEN"`
	Auth          AuthConfig `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	TimeoutMS     int        `yaml:"timeout_ms" toml:"timeout_ms"`
	MaxConcurrent int        `yaml:"max_concurrent" toml:"max_concurrent"`
	MaxBodyBytes  int64      `yaml:"max_body_bytes" toml:"max_body_bytes"`
	EnableHTTP2   bool       `yaml:"enable_http2" toml:"enable_http2"`
}

// AuthConfig protects the /v1 surface.
type AuthConfig struct {
	// APIKey is the expected x-api-key header value. Empty disables it.
	APIKey string `yaml:"api_key" toml:"api_key" env:"API_KEY"`

	// BearerSecret is the expected Bearer token. Required when AllowBearer is set.
	BearerSecret string `yaml:"bearer_secret" toml:"bearer_secret" env:"BEARER_SECRET"`

	AllowBearer bool `yaml:"allow_bearer" toml:"allow_bearer"`
}

// IsEnabled returns true if any authentication method is configured.
func (a *AuthConfig) IsEnabled() bool {
	return a.APIKey != "" || a.AllowBearer
}

// OAuthConfig configures the token lifecycle for the upstream provider.
type OAuthConfig struct {
	Provider      string   `yaml:"provider" toml:"provider"`
	TokenURL      string   `yaml:"token_url" toml:"token_url" env:"TOKEN_URL"`
	ClientID      string   `yaml:"client_id" toml:"client_id" env:"CLIENT_ID"`
	ClientSecret  string   `yaml:"client_secret" toml:"client_secret" env:"CLIENT_SECRET"`
	RefreshStyle  string   `yaml:"refresh_style" toml:"refresh_style"`
	Scopes        []string `yaml:"scopes" toml:"scopes"`
	RefreshBuffer int      `yaml:"refresh_buffer_seconds" toml:"refresh_buffer_seconds"`
	LocalTTL      int      `yaml:"local_ttl_seconds" toml:"local_ttl_seconds"`
	SharedTTL     int      `yaml:"shared_ttl_seconds" toml:"shared_ttl_seconds"`
	DedupeRefresh bool     `yaml:"dedupe_refresh" toml:"dedupe_refresh"`
}

// GetProvider returns the provider name, default "default".
func (o *OAuthConfig) GetProvider() string {
	if o.Provider == "" {
		return "default"
	}
	return o.Provider
}

// GetRefreshStyle returns the refresh style, default json.
func (o *OAuthConfig) GetRefreshStyle() string {
	if o.RefreshStyle == "" {
		return RefreshJSON
	}
	return strings.ToLower(o.RefreshStyle)
}

// GetRefreshBuffer returns how long before expiry tokens are refreshed.
func (o *OAuthConfig) GetRefreshBuffer() time.Duration {
	if o.RefreshBuffer <= 0 {
		return tokens.DefaultRefreshBuffer
	}
	return time.Duration(o.RefreshBuffer) * time.Second
}

// TierConfig returns the token cache tier lifetimes.
func (o *OAuthConfig) TierConfig() tokens.TierConfig {
	return tokens.TierConfig{
		LocalTTL:  time.Duration(o.LocalTTL) * time.Second,
		SharedTTL: time.Duration(o.SharedTTL) * time.Second,
	}
}

// ProviderConfig returns the refresher settings.
func (o *OAuthConfig) ProviderConfig() tokens.ProviderConfig {
	return tokens.ProviderConfig{
		TokenURL:     o.TokenURL,
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Scopes:       o.Scopes,
	}
}

// CacheConfig configures the two token cache tiers.
type CacheConfig struct {
	// Local is the per-process tier, normally single (ristretto).
	Local cache.Config `yaml:"local" toml:"local" envPrefix:"LOCAL_"`
	// Shared is the per-deployment tier: ha (olric), redis or disabled.
	Shared cache.Config `yaml:"shared" toml:"shared" envPrefix:"SHARED_"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`    // debug, info, warn, error
	Format string `yaml:"format" toml:"format" env:"FORMAT"` // json, console, pretty
	Output string `yaml:"output" toml:"output"`              // stdout, stderr, or file path
	Pretty bool   `yaml:"pretty" toml:"pretty"`              // enable colored console output
}

// ParseLevel converts the level string to zerolog.Level, default info.
func (l *LoggingConfig) ParseLevel() zerolog.Level {
	switch strings.ToLower(l.Level) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// GetTimeoutOption returns the handler timeout, None when unset.
func (s *ServerConfig) GetTimeoutOption() mo.Option[time.Duration] {
	if s.TimeoutMS <= 0 {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(s.TimeoutMS) * time.Millisecond)
}

// GetMaxConcurrentOption returns the in-flight request cap, None when unlimited.
func (s *ServerConfig) GetMaxConcurrentOption() mo.Option[int] {
	if s.MaxConcurrent <= 0 {
		return mo.None[int]()
	}
	return mo.Some(s.MaxConcurrent)
}

// GetMaxBodyBytes returns the request body limit, default 1 MiB.
func (s *ServerConfig) GetMaxBodyBytes() int64 {
	if s.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values that have a non-zero default.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8787"
	}
	if c.RateLimit.Capacity == 0 && c.RateLimit.RefillRate == 0 {
		c.RateLimit = ratelimit.DefaultPolicy()
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = storage.DriverMemory
	}
	if c.Cache.Local.Mode == "" {
		c.Cache.Local.Mode = cache.ModeSingle
	}
	if c.Cache.Local.Mode == cache.ModeSingle && c.Cache.Local.Ristretto.MaxCost == 0 {
		c.Cache.Local.Ristretto = cache.DefaultRistrettoConfig()
		c.Cache.Local.Ristretto.WaitOnWrite = true
	}
	if c.Cache.Shared.Mode == "" {
		c.Cache.Shared.Mode = cache.ModeDisabled
	}
	if c.Cache.Shared.Mode == cache.ModeHA && c.Cache.Shared.Olric.DMapName == "" {
		c.Cache.Shared.Olric.DMapName = cache.DefaultOlricConfig().DMapName
	}
}
