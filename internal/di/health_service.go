package di

import (
	"context"
	"net/url"
	"strings"

	"github.com/samber/do/v2"

	"github.com/omarluq/apigate/internal/cache"
	"github.com/omarluq/apigate/internal/health"
	"github.com/omarluq/apigate/internal/storage"
)

// HealthTrackerService wraps the per-upstream circuit breakers.
type HealthTrackerService struct {
	Tracker *health.Tracker
}

// NewHealthTracker creates the tracker from configuration.
func NewHealthTracker(i do.Injector) (*HealthTrackerService, error) {
	cfg := do.MustInvoke[*ConfigService](i).Get()
	logger := do.MustInvoke[*LoggerService](i).Logger

	return &HealthTrackerService{
		Tracker: health.NewTracker(cfg.Health.CircuitBreaker, logger),
	}, nil
}

// CheckerService wraps the dependency health checker.
type CheckerService struct {
	Checker *health.Checker
}

// NewChecker registers probes for every configured dependency: Postgres,
// the shared token cache and the upstream API.
func NewChecker(i do.Injector) (*CheckerService, error) {
	cfg := do.MustInvoke[*ConfigService](i).Get()
	tracker := do.MustInvoke[*HealthTrackerService](i).Tracker
	storageSvc := do.MustInvoke[*StorageService](i)
	tiersSvc := do.MustInvoke[*TokenTiersService](i)
	logger := do.MustInvoke[*LoggerService](i).Logger

	checker := health.NewChecker(tracker, cfg.Health.HealthCheck, logger)

	if storageSvc.Pool != nil {
		checker.RegisterComponent(health.NewFuncProbe("postgres", storage.Healthcheck(storageSvc.Pool)))
	}
	if cfg.Cache.Shared.Mode != cache.ModeDisabled {
		shared := tiersSvc.Shared
		checker.RegisterComponent(health.NewFuncProbe("token_cache_"+string(cfg.Cache.Shared.Mode),
			func(ctx context.Context) error { return cache.Ping(ctx, shared) }))
	}

	base, err := url.Parse(strings.TrimRight(cfg.Client.BaseURL, "/"))
	if err == nil {
		checker.RegisterUpstream(health.NewHTTPProbe(base.Host, cfg.Client.BaseURL, nil))
		logger.Debug().Str("upstream", base.Host).Msg("registered upstream health probe")
	}

	return &CheckerService{Checker: checker}, nil
}

// Start begins probing open circuits.
func (h *CheckerService) Start() {
	h.Checker.Start()
}

// Shutdown implements do.Shutdowner.
func (h *CheckerService) Shutdown() error {
	h.Checker.Stop()
	return nil
}
