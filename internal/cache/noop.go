package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// noopCache stores nothing. Writes succeed, reads miss.
type noopCache struct {
	closed atomic.Bool
}

var (
	_ Cache         = (*noopCache)(nil)
	_ StatsProvider = (*noopCache)(nil)
)

func newNoopCache() *noopCache {
	log := logger().With().Str("backend", "noop").Logger()
	log.Debug().Msg("caching is disabled")
	return &noopCache{}
}

func (c *noopCache) check() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *noopCache) Get(context.Context, string) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

func (c *noopCache) Set(context.Context, string, []byte) error { return c.check() }

func (c *noopCache) SetWithTTL(context.Context, string, []byte, time.Duration) error {
	return c.check()
}

func (c *noopCache) Delete(context.Context, string) error { return c.check() }

func (c *noopCache) Exists(context.Context, string) (bool, error) { return false, c.check() }

func (c *noopCache) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *noopCache) Stats() Stats { return Stats{} }
