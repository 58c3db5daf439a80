package config

import (
	"net"
	"strings"

	"github.com/samber/lo"

	"github.com/omarluq/apigate/internal/cache"
)

var (
	validLogLevels     = []string{"", LevelDebug, LevelInfo, LevelWarn, LevelError}
	validLogFormats    = []string{"", "json", "console", "text", "pretty"}
	validRefreshStyles = []string{RefreshJSON, RefreshForm}
)

// Validate checks the configuration and returns a ValidationError listing
// every problem found, or nil.
func (c *Config) Validate() error {
	errs := &ValidationError{}

	validateServer(c, errs)
	validateLogging(c, errs)
	validateRateLimit(c, errs)
	validateOAuth(c, errs)
	validateCache(c, errs)

	if err := c.Storage.Validate(); err != nil {
		errs.Add(err.Error())
	}
	if err := c.Client.Validate(); err != nil {
		errs.Addf("client.%s", err.Error())
	}

	return errs.ToError()
}

func validateServer(c *Config, errs *ValidationError) {
	if c.Server.Listen == "" {
		errs.Add("server.listen is required")
	} else {
		validateListenAddress(c.Server.Listen, errs)
	}
	if c.Server.TimeoutMS < 0 {
		errs.Add("server.timeout_ms must be >= 0")
	}
	if c.Server.MaxConcurrent < 0 {
		errs.Add("server.max_concurrent must be >= 0")
	}
	if c.Server.MaxBodyBytes < 0 {
		errs.Add("server.max_body_bytes must be >= 0")
	}
	if c.Server.Auth.AllowBearer && c.Server.Auth.BearerSecret == "" {
		errs.Add("server.auth.bearer_secret is required when allow_bearer is set")
	}
}

func validateListenAddress(addr string, errs *ValidationError) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		errs.Addf("server.listen must be in host:port format (got %q)", addr)
		return
	}
	if host != "" && net.ParseIP(host) == nil && strings.ContainsAny(host, " \t\n") {
		errs.Add("server.listen host contains invalid characters")
	}
	if port == "" {
		errs.Add("server.listen port is required")
	}
}

func validateLogging(c *Config, errs *ValidationError) {
	if !lo.Contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		errs.Addf("logging.level is invalid (got %q, valid: debug, info, warn, error)", c.Logging.Level)
	}
	if !lo.Contains(validLogFormats, c.Logging.Format) {
		errs.Addf("logging.format is invalid (got %q, valid: json, console, text, pretty)", c.Logging.Format)
	}
}

func validateRateLimit(c *Config, errs *ValidationError) {
	if err := c.RateLimit.Validate(); err != nil {
		errs.Addf("rate_limit: %s", err.Error())
	}
}

func validateOAuth(c *Config, errs *ValidationError) {
	o := &c.OAuth
	if !lo.Contains(validRefreshStyles, o.GetRefreshStyle()) {
		errs.Addf("oauth.refresh_style is invalid (got %q, valid: json, form)", o.RefreshStyle)
	}
	if o.TokenURL == "" {
		errs.Add("oauth.token_url is required")
	}
	if o.ClientID == "" {
		errs.Add("oauth.client_id is required")
	}
	if o.RefreshBuffer < 0 || o.LocalTTL < 0 || o.SharedTTL < 0 {
		errs.Add("oauth durations must be >= 0")
	}
}

func validateCache(c *Config, errs *ValidationError) {
	if err := c.Cache.Local.Validate(); err != nil {
		errs.Addf("cache.local: %s", err.Error())
	}
	if c.Cache.Local.Mode == cache.ModeHA || c.Cache.Local.Mode == cache.ModeRedis {
		errs.Add("cache.local must be single or disabled")
	}
	if err := c.Cache.Shared.Validate(); err != nil {
		errs.Addf("cache.shared: %s", err.Error())
	}
	if c.Cache.Shared.Mode == cache.ModeSingle {
		errs.Add("cache.shared must be ha, redis or disabled")
	}
}
