package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/omarluq/apigate/internal/cache"
)

// Tier names the cache layer that served a token.
type Tier string

// Cache tiers.
const (
	TierNone  Tier = ""
	TierLocal Tier = "l1"
	TierShare Tier = "l2"
)

// Default tier lifetimes.
const (
	DefaultLocalTTL  = 5 * time.Minute
	DefaultSharedTTL = 15 * time.Minute
)

// TierConfig sets how long each tier keeps a token at most.
type TierConfig struct {
	LocalTTL  time.Duration
	SharedTTL time.Duration
}

// TierCache stores tokens in a process-local tier backed by a shared tier.
// Either tier may be nil. Read failures are treated as misses; write
// failures are logged; invalidation failures are returned because a stale
// entry left behind would outlive the refresh.
type TierCache struct {
	local    cache.Cache
	shared   cache.Cache
	log      *zerolog.Logger
	provider string
	cfg      TierConfig
	localMu  sync.Mutex
}

// NewTierCache creates a two-tier token cache for provider.
func NewTierCache(local, shared cache.Cache, provider string, cfg TierConfig, log *zerolog.Logger) *TierCache {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = DefaultLocalTTL
	}
	if cfg.SharedTTL <= 0 {
		cfg.SharedTTL = DefaultSharedTTL
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &TierCache{local: local, shared: shared, provider: provider, cfg: cfg, log: log}
}

// Key returns the cache key of tenant's token.
func (c *TierCache) Key(tenant string) string {
	return "apigate:token:" + c.provider + ":" + tenant
}

// Lookup returns the first token accepted by fresh, checking the local tier
// before the shared one. A shared hit is copied into the local tier.
func (c *TierCache) Lookup(ctx context.Context, tenant string, fresh func(*Token) mo.Option[time.Duration]) (*Token, Tier) {
	key := c.Key(tenant)

	if tok := c.read(ctx, c.local, key, TierLocal); tok != nil {
		if d, ok := fresh(tok).Get(); !ok || d > 0 {
			return tok, TierLocal
		}
	}

	tok := c.read(ctx, c.shared, key, TierShare)
	if tok == nil {
		return nil, TierNone
	}
	validFor := fresh(tok)
	if d, ok := validFor.Get(); ok && d <= 0 {
		return nil, TierNone
	}
	c.write(ctx, c.local, key, tok, ttlFor(c.cfg.LocalTTL, validFor), TierLocal)
	return tok, TierShare
}

// Put writes tok to both tiers. validFor bounds the entry lifetime; None
// means the token never expires and the tier TTL applies. A tier already
// holding a token created after tok keeps it.
func (c *TierCache) Put(ctx context.Context, tok *Token, validFor mo.Option[time.Duration]) {
	key := c.Key(tok.TenantKey)
	c.write(ctx, c.shared, key, tok, ttlFor(c.cfg.SharedTTL, validFor), TierShare)
	c.write(ctx, c.local, key, tok, ttlFor(c.cfg.LocalTTL, validFor), TierLocal)
}

// Invalidate removes tenant's token from both tiers.
func (c *TierCache) Invalidate(ctx context.Context, tenant string) error {
	key := c.Key(tenant)
	var errs []error
	for _, t := range []struct {
		c    cache.Cache
		tier Tier
	}{{c.local, TierLocal}, {c.shared, TierShare}} {
		if t.c == nil {
			continue
		}
		if err := t.c.Delete(ctx, key); err != nil && !errors.Is(err, cache.ErrNotFound) {
			c.log.Warn().Err(err).Str("tier", string(t.tier)).Str("tenant", tenant).Msg("token cache invalidation failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *TierCache) read(ctx context.Context, backend cache.Cache, key string, tier Tier) *Token {
	if backend == nil {
		return nil
	}
	data, err := backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.log.Debug().Err(err).Str("tier", string(tier)).Msg("token cache read failed, treating as miss")
		}
		return nil
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		c.log.Debug().Err(err).Str("tier", string(tier)).Msg("token cache entry corrupt, treating as miss")
		return nil
	}
	return &tok
}

func (c *TierCache) write(ctx context.Context, backend cache.Cache, key string, tok *Token, ttl time.Duration, tier Tier) {
	if backend == nil || ttl <= 0 {
		return
	}
	// Local check-and-set is atomic; the shared tier relies on the
	// manager re-checking the store after caching.
	if tier == TierLocal {
		c.localMu.Lock()
		defer c.localMu.Unlock()
	}
	if existing := c.peek(ctx, backend, key); existing != nil && existing.CreatedAt.After(tok.CreatedAt) {
		c.log.Debug().Str("tier", string(tier)).Str("tenant", tok.TenantKey).Msg("newer token already cached, skipping write")
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		c.log.Debug().Err(err).Msg("token encode failed")
		return
	}
	if err := backend.SetWithTTL(ctx, key, data, ttl); err != nil {
		c.log.Debug().Err(err).Str("tier", string(tier)).Msg("token cache write failed")
	}
}

// peek returns the cached token at key, or nil on a miss, an error or a
// corrupt entry.
func (c *TierCache) peek(ctx context.Context, backend cache.Cache, key string) *Token {
	data, err := backend.Get(ctx, key)
	if err != nil {
		return nil
	}
	var tok Token
	if json.Unmarshal(data, &tok) != nil {
		return nil
	}
	return &tok
}

// ttlFor caps the tier TTL by the token's remaining fresh window.
func ttlFor(tierTTL time.Duration, validFor mo.Option[time.Duration]) time.Duration {
	d, ok := validFor.Get()
	if !ok || d > tierTTL {
		return tierTTL
	}
	return d
}
