package di

import (
	"github.com/samber/do/v2"

	"github.com/omarluq/apigate/internal/config"
	"github.com/omarluq/apigate/internal/ratelimit"
)

// LimiterService wraps the tenant rate limiter.
type LimiterService struct {
	Limiter *ratelimit.TenantLimiter
}

// NewLimiter creates the limiter over the configured bucket store and keeps
// its policy in sync with reloads.
func NewLimiter(i do.Injector) (*LimiterService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	storageSvc := do.MustInvoke[*StorageService](i)
	logger := do.MustInvoke[*LoggerService](i).Logger
	cfg := cfgSvc.Get()

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if storageSvc.Pool != nil {
		store = ratelimit.NewPostgresStore(storageSvc.Pool)
	}

	limiter, err := ratelimit.NewTenantLimiter(store, cfg.RateLimit,
		ratelimit.WithLogger(logger.With().Str("component", "ratelimit").Logger()))
	if err != nil {
		return nil, err
	}

	cfgSvc.OnChange(func(next *config.Config, changes config.Changes) {
		if !changes.RateLimit {
			return
		}
		if err := limiter.SetPolicy(next.RateLimit); err != nil {
			logger.Error().Err(err).Msg("rate limit policy update rejected")
			return
		}
		logger.Info().
			Int64("capacity", next.RateLimit.Capacity).
			Int64("refill_rate", next.RateLimit.RefillRate).
			Msg("rate limit policy updated via hot-reload")
	})

	return &LimiterService{Limiter: limiter}, nil
}

// PacerService wraps the global outbound pacer.
type PacerService struct {
	Pacer *ratelimit.Pacer
}

// NewPacer creates the pacer from client.global_rps and keeps it in sync with reloads.
func NewPacer(i do.Injector) (*PacerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	logger := do.MustInvoke[*LoggerService](i).Logger
	cfg := cfgSvc.Get()

	pacer := ratelimit.NewPacer(cfg.Client.GlobalRPS, cfg.Client.GlobalBurst)
	cfgSvc.OnChange(func(next *config.Config, changes config.Changes) {
		if !changes.Pacer {
			return
		}
		pacer.SetRate(next.Client.GlobalRPS, next.Client.GlobalBurst)
		logger.Info().Float64("rps", next.Client.GlobalRPS).Msg("outbound pacer updated via hot-reload")
	})
	return &PacerService{Pacer: pacer}, nil
}
