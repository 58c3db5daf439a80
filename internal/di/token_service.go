package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/do/v2"

	"github.com/omarluq/apigate/internal/cache"
	"github.com/omarluq/apigate/internal/config"
	"github.com/omarluq/apigate/internal/tokens"
)

// TokenTiersService owns the two token cache backends.
type TokenTiersService struct {
	Local  cache.Cache
	Shared cache.Cache
	Tiers  *tokens.TierCache
}

// NewTokenTiers creates the local and shared cache tiers.
func NewTokenTiers(i do.Injector) (*TokenTiersService, error) {
	cfg := do.MustInvoke[*ConfigService](i).Get()
	logger := do.MustInvoke[*LoggerService](i).Logger

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	local, err := cache.New(ctx, &cfg.Cache.Local)
	if err != nil {
		return nil, fmt.Errorf("failed to create local token cache: %w", err)
	}
	shared, err := cache.New(ctx, &cfg.Cache.Shared)
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("failed to create shared token cache: %w", err)
	}

	tierLog := logger.With().Str("component", "token_cache").Logger()
	tiers := tokens.NewTierCache(local, shared, cfg.OAuth.GetProvider(), cfg.OAuth.TierConfig(), &tierLog)
	return &TokenTiersService{Local: local, Shared: shared, Tiers: tiers}, nil
}

// Shutdown implements do.Shutdowner.
func (s *TokenTiersService) Shutdown() error {
	return errors.Join(s.Local.Close(), s.Shared.Close())
}

// TokenService wraps the token manager of the configured provider.
type TokenService struct {
	Manager *tokens.Manager
}

// NewTokens creates the token manager.
func NewTokens(i do.Injector) (*TokenService, error) {
	cfg := do.MustInvoke[*ConfigService](i).Get()
	storageSvc := do.MustInvoke[*StorageService](i)
	tiersSvc := do.MustInvoke[*TokenTiersService](i)
	logger := do.MustInvoke[*LoggerService](i).Logger

	var store tokens.Store = tokens.NewMemoryStore()
	if storageSvc.Pool != nil {
		store = tokens.NewPostgresStore(storageSvc.Pool)
	}

	refresher := newRefresher(&cfg.OAuth, &http.Client{Timeout: tokens.DefaultRefreshTimeout})
	managerLog := logger.With().Str("component", "tokens").Logger()
	manager := tokens.NewManager(cfg.OAuth.GetProvider(), store, tiersSvc.Tiers, refresher,
		tokens.WithManagerLogger(&managerLog),
		tokens.WithRefreshBuffer(cfg.OAuth.GetRefreshBuffer()),
		tokens.WithDedupedRefresh(cfg.OAuth.DedupeRefresh),
		tokens.WithRefreshTimeout(tokens.DefaultRefreshTimeout),
	)
	return &TokenService{Manager: manager}, nil
}

func newRefresher(cfg *config.OAuthConfig, hc *http.Client) tokens.Refresher {
	if cfg.GetRefreshStyle() == config.RefreshForm {
		return tokens.NewFormRefresher(cfg.ProviderConfig(), hc)
	}
	return tokens.NewJSONRefresher(cfg.ProviderConfig(), hc)
}
