package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
)

// ristrettoCache implements Cache on a process-local Ristretto cache.
type ristrettoCache struct {
	cache       *ristretto.Cache[string, []byte]
	log         zerolog.Logger
	waitOnWrite bool
	closed      atomic.Bool
	mu          sync.RWMutex
}

var (
	_ Cache         = (*ristrettoCache)(nil)
	_ StatsProvider = (*ristrettoCache)(nil)
	_ Pinger        = (*ristrettoCache)(nil)
)

func newRistrettoCache(cfg RistrettoConfig) (*ristrettoCache, error) {
	log := logger().With().Str("backend", "ristretto").Logger()

	bufferItems := cfg.BufferItems
	if bufferItems <= 0 {
		bufferItems = 64
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: bufferItems,
		Metrics:     true,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create ristretto cache")
		return nil, err
	}

	log.Info().
		Int64("num_counters", cfg.NumCounters).
		Int64("max_cost", cfg.MaxCost).
		Bool("wait_on_write", cfg.WaitOnWrite).
		Msg("ristretto cache created")

	return &ristrettoCache{
		cache:       cache,
		log:         log,
		waitOnWrite: cfg.WaitOnWrite,
	}, nil
}

// acquire takes the read lock for an operation. The caller must invoke the
// returned release func when err is nil.
func (r *ristrettoCache) acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.closed.Load() {
		return nil, ErrClosed
	}
	r.mu.RLock()
	if r.closed.Load() {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	return r.mu.RUnlock, nil
}

func (r *ristrettoCache) Get(ctx context.Context, key string) ([]byte, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	value, found := r.cache.Get(key)
	r.log.Debug().Str("key", key).Bool("hit", found).Msg("cache get")
	if !found {
		return nil, ErrNotFound
	}
	return copyBytes(value), nil
}

func (r *ristrettoCache) Set(ctx context.Context, key string, value []byte) error {
	return r.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL stores value; a zero ttl never expires. Ristretto may drop a
// write under admission pressure, so a successful Set is not a guarantee of
// a later hit.
func (r *ristrettoCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	accepted := r.cache.SetWithTTL(key, copyBytes(value), int64(len(value)), ttl)
	if r.waitOnWrite {
		r.cache.Wait()
	}

	r.log.Debug().
		Str("key", key).
		Int("size", len(value)).
		Dur("ttl", ttl).
		Bool("accepted", accepted).
		Msg("cache set")
	return nil
}

func (r *ristrettoCache) Delete(ctx context.Context, key string) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	r.cache.Del(key)
	if r.waitOnWrite {
		r.cache.Wait()
	}
	r.log.Debug().Str("key", key).Msg("cache delete")
	return nil
}

func (r *ristrettoCache) Exists(ctx context.Context, key string) (bool, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	_, found := r.cache.Get(key)
	return found, nil
}

func (r *ristrettoCache) Ping(ctx context.Context) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Wait blocks until buffered writes are applied.
func (r *ristrettoCache) Wait() {
	if release, err := r.acquire(context.Background()); err == nil {
		r.cache.Wait()
		release()
	}
}

func (r *ristrettoCache) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Swap(true) {
		return nil
	}

	r.cache.Wait()
	r.cache.Close()
	r.log.Info().Msg("ristretto cache closed")
	return nil
}

func (r *ristrettoCache) Stats() Stats {
	release, err := r.acquire(context.Background())
	if err != nil {
		return Stats{}
	}
	defer release()

	m := r.cache.Metrics
	return Stats{
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		KeyCount:  m.KeysAdded() - m.KeysEvicted(),
		BytesUsed: m.CostAdded() - m.CostEvicted(),
		Evictions: m.KeysEvicted(),
	}
}
