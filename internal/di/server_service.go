package di

import (
	"net/http"

	"github.com/samber/do/v2"

	"github.com/omarluq/apigate/internal/auth"
	"github.com/omarluq/apigate/internal/config"
	"github.com/omarluq/apigate/internal/server"
)

// ConcurrencyService wraps the in-flight request limiter.
type ConcurrencyService struct {
	Limiter *server.ConcurrencyLimiter
}

// NewConcurrencyService creates the limiter and keeps it in sync with reloads.
func NewConcurrencyService(i do.Injector) (*ConcurrencyService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	logger := do.MustInvoke[*LoggerService](i).Logger

	limiter := server.NewConcurrencyLimiter(int64(cfgSvc.Get().Server.MaxConcurrent))
	cfgSvc.OnChange(func(next *config.Config, changes config.Changes) {
		if !changes.Concurrency {
			return
		}
		limiter.SetLimit(int64(next.Server.MaxConcurrent))
		logger.Info().Int("new_limit", next.Server.MaxConcurrent).Msg("concurrency limit updated via hot-reload")
	})
	return &ConcurrencyService{Limiter: limiter}, nil
}

// HandlerService wraps the HTTP handler.
type HandlerService struct {
	Handler http.Handler
}

// NewHandler builds the HTTP surface from the container's services.
func NewHandler(i do.Injector) (*HandlerService, error) {
	cfg := do.MustInvoke[*ConfigService](i).Get()
	logger := do.MustInvoke[*LoggerService](i).Logger

	handler := server.NewHandler(&cfg.Server, server.Deps{
		Limiter:       do.MustInvoke[*LimiterService](i).Limiter,
		Tokens:        do.MustInvoke[*TokenService](i).Manager,
		Upstream:      do.MustInvoke[*ClientService](i).Client,
		Health:        do.MustInvoke[*CheckerService](i).Checker,
		Authenticator: auth.FromConfig(cfg.Server.Auth),
		Concurrency:   do.MustInvoke[*ConcurrencyService](i).Limiter,
	}, *logger)
	return &HandlerService{Handler: handler}, nil
}

// ServerService wraps the HTTP server.
type ServerService struct {
	Server *server.Server
}

// NewHTTPServer creates the server for server.listen.
func NewHTTPServer(i do.Injector) (*ServerService, error) {
	cfg := do.MustInvoke[*ConfigService](i).Get()
	handlerSvc := do.MustInvoke[*HandlerService](i)
	return &ServerService{
		Server: server.NewServer(cfg.Server.Listen, handlerSvc.Handler, cfg.Server.EnableHTTP2),
	}, nil
}
