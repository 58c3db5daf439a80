package client

import (
	"errors"
	"net/url"
	"time"
)

// Default configuration values.
const (
	DefaultTenantHeader          = "X-Tenant-ID"
	DefaultUserAgent             = "apigate"
	DefaultMaxRateLimitRetries   = 3
	DefaultMaxServerErrorRetries = 1
	DefaultRateLimitJitterMS     = 250
	DefaultServerErrorBackoffMS  = 500
)

// Config configures the upstream API client.
type Config struct {
	BaseURL      string `yaml:"base_url" toml:"base_url" env:"BASE_URL"`
	TenantHeader string `yaml:"tenant_header" toml:"tenant_header"`
	UserAgent    string `yaml:"user_agent" toml:"user_agent"`

	// MaxRateLimitRetries bounds waits for local permits and provider 429s combined.
	MaxRateLimitRetries   *int `yaml:"max_rate_limit_retries" toml:"max_rate_limit_retries"`
	MaxServerErrorRetries *int `yaml:"max_server_error_retries" toml:"max_server_error_retries"`

	RateLimitJitterMS    int `yaml:"rate_limit_jitter_ms" toml:"rate_limit_jitter_ms"`
	ServerErrorBackoffMS int `yaml:"server_error_backoff_ms" toml:"server_error_backoff_ms"`

	// RequestTimeoutMS caps a whole Request call including waits; 0 disables it.
	RequestTimeoutMS int `yaml:"request_timeout_ms" toml:"request_timeout_ms"`

	// GlobalRPS caps outbound requests per second for the process; 0 disables it.
	GlobalRPS   float64 `yaml:"global_rps" toml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst" toml:"global_burst"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return errors.New("base_url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("base_url must use http or https")
	}
	if c.MaxRateLimitRetries != nil && *c.MaxRateLimitRetries < 0 {
		return errors.New("max_rate_limit_retries must be >= 0")
	}
	if c.MaxServerErrorRetries != nil && *c.MaxServerErrorRetries < 0 {
		return errors.New("max_server_error_retries must be >= 0")
	}
	if c.RequestTimeoutMS < 0 {
		return errors.New("request_timeout_ms must be >= 0")
	}
	if c.GlobalRPS < 0 {
		return errors.New("global_rps must be >= 0")
	}
	return nil
}

// GetTenantHeader returns the tenant scoping header, default X-Tenant-ID.
func (c *Config) GetTenantHeader() string {
	if c.TenantHeader == "" {
		return DefaultTenantHeader
	}
	return c.TenantHeader
}

// GetUserAgent returns the User-Agent sent upstream.
func (c *Config) GetUserAgent() string {
	if c.UserAgent == "" {
		return DefaultUserAgent
	}
	return c.UserAgent
}

// GetMaxRateLimitRetries returns the rate limit retry budget, default 3.
func (c *Config) GetMaxRateLimitRetries() int {
	if c.MaxRateLimitRetries == nil {
		return DefaultMaxRateLimitRetries
	}
	return *c.MaxRateLimitRetries
}

// GetMaxServerErrorRetries returns the 5xx retry budget, default 1.
func (c *Config) GetMaxServerErrorRetries() int {
	if c.MaxServerErrorRetries == nil {
		return DefaultMaxServerErrorRetries
	}
	return *c.MaxServerErrorRetries
}

// GetRateLimitJitter returns the maximum jitter added to rate limit waits.
func (c *Config) GetRateLimitJitter() time.Duration {
	if c.RateLimitJitterMS <= 0 {
		return DefaultRateLimitJitterMS * time.Millisecond
	}
	return time.Duration(c.RateLimitJitterMS) * time.Millisecond
}

// GetServerErrorBackoff returns the base backoff between 5xx retries.
func (c *Config) GetServerErrorBackoff() time.Duration {
	if c.ServerErrorBackoffMS <= 0 {
		return DefaultServerErrorBackoffMS * time.Millisecond
	}
	return time.Duration(c.ServerErrorBackoffMS) * time.Millisecond
}

// GetRequestTimeout returns the per-request deadline, 0 when disabled.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}
