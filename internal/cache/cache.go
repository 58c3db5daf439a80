// Package cache provides the byte-oriented cache backends behind apigate's
// token cache tiers.
//
// Four backends share one interface:
//   - Single mode (Ristretto): process-local cache, used for the L1 tier
//   - HA mode (Olric): distributed cache, embedded node or cluster client
//   - Redis mode: shared cache on an external Redis server
//   - Disabled mode (Noop): stores nothing
//
// All implementations are safe for concurrent use.
//
// Basic usage:
//
//	c, err := cache.New(ctx, &cache.Config{
//		Mode:      cache.ModeSingle,
//		Ristretto: cache.DefaultRistrettoConfig(),
//	})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	err = c.SetWithTTL(ctx, "token:acme", payload, 5*time.Minute)
//
//	data, err := c.Get(ctx, "token:acme")
//	if errors.Is(err, cache.ErrNotFound) {
//		// miss
//	}
package cache

import (
	"context"
	"time"
)

// Cache defines the interface for cache operations.
// All implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns ErrNotFound if the key does not exist.
	// Returns ErrClosed if the cache has been closed.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with no expiration.
	Set(ctx context.Context, key string, value []byte) error

	// SetWithTTL stores a value in the cache with a time-to-live.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in the cache.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases resources associated with the cache.
	// After Close is called, all operations will return ErrClosed.
	// Close is idempotent.
	Close() error
}

// Stats provides cache statistics for observability.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	KeyCount  uint64 `json:"key_count"`
	BytesUsed uint64 `json:"bytes_used"`
	Evictions uint64 `json:"evictions"`
}

// StatsProvider is an optional interface for caches that support statistics.
type StatsProvider interface {
	Stats() Stats
}

// Pinger is an optional interface for caches that support health checks.
// Local caches return nil unless closed; remote caches round-trip to the server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks c when it implements Pinger.
func Ping(ctx context.Context, c Cache) error {
	if p, ok := c.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
