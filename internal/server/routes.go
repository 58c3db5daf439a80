package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/omarluq/apigate/internal/auth"
	"github.com/omarluq/apigate/internal/config"
)

// Deps are the services the HTTP surface is built on.
// Tokens and Upstream may be nil, in which case their routes are not mounted.
type Deps struct {
	Limiter       RateLimiter
	Tokens        TokenAdmin
	Upstream      Upstream
	Health        HealthReporter
	Authenticator auth.Authenticator
	Concurrency   *ConcurrencyLimiter
	Now           func() time.Time
}

// NewHandler creates the HTTP handler with all routes configured.
//
// Routes:
//   - GET /health (no auth)
//   - /v1/ratelimit/{tenant}/check|consume|status|reset
//   - /v1/tokens/{tenant} and its refresh and cache sub-resources
//   - /v1/api/{tenant}/{path...} passthrough to the upstream API
func NewHandler(cfg *config.ServerConfig, deps Deps, logger zerolog.Logger) http.Handler {
	h := &Handlers{
		limiter:  deps.Limiter,
		tokens:   deps.Tokens,
		upstream: deps.Upstream,
		reporter: deps.Health,
		now:      deps.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}

	v1 := http.NewServeMux()
	if h.limiter != nil {
		v1.HandleFunc("GET /v1/ratelimit/{tenant}/check", h.checkLimit)
		v1.HandleFunc("POST /v1/ratelimit/{tenant}/consume", h.consume)
		v1.HandleFunc("GET /v1/ratelimit/{tenant}/status", h.limitStatus)
		v1.HandleFunc("POST /v1/ratelimit/{tenant}/reset", h.resetLimit)
	}
	if h.tokens != nil {
		v1.HandleFunc("PUT /v1/tokens/{tenant}", h.putToken)
		v1.HandleFunc("GET /v1/tokens/{tenant}", h.getToken)
		v1.HandleFunc("DELETE /v1/tokens/{tenant}", h.revokeToken)
		v1.HandleFunc("POST /v1/tokens/{tenant}/refresh", h.refreshToken)
		v1.HandleFunc("DELETE /v1/tokens/{tenant}/cache", h.invalidateToken)
	}
	if h.upstream != nil {
		v1.HandleFunc("/v1/api/{tenant}/{path...}", h.passthrough)
	}

	protected := Chain(v1,
		ConcurrencyMiddleware(deps.Concurrency),
		AuthMiddleware(deps.Authenticator),
		MaxBodyBytesMiddleware(cfg.GetMaxBodyBytes()),
		TimeoutMiddleware(cfg.GetTimeoutOption()),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.serveHealth)
	mux.Handle("/v1/", protected)

	return Chain(mux,
		LoggerMiddleware(logger),
		RequestIDMiddleware(),
		LoggingMiddleware(),
	)
}
