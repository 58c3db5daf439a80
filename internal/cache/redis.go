package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultRedisDialTimeout = 5 * time.Second

// redisCache implements Cache on a Redis server shared by all instances.
type redisCache struct {
	client redis.UniversalClient
	log    zerolog.Logger
	prefix string
	closed atomic.Bool
}

var (
	_ Cache  = (*redisCache)(nil)
	_ Pinger = (*redisCache)(nil)
)

func newRedisCache(ctx context.Context, cfg *RedisConfig) (*redisCache, error) {
	log := logger().With().Str("backend", "redis").Logger()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Error().Err(err).Msg("redis: invalid url")
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultRedisDialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		log.Error().Err(err).Str("addr", opts.Addr).Msg("redis: ping failed")
		return nil, fmt.Errorf("cache: connect redis: %w", err)
	}

	log.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Str("key_prefix", cfg.KeyPrefix).
		Msg("redis cache created")

	return newRedisCacheFromClient(client, cfg.KeyPrefix, log), nil
}

func newRedisCacheFromClient(client redis.UniversalClient, prefix string, log zerolog.Logger) *redisCache {
	return &redisCache{client: client, prefix: prefix, log: log}
}

func (r *redisCache) key(k string) string {
	return r.prefix + k
}

func (r *redisCache) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}

	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.log.Debug().Str("key", key).Bool("hit", false).Msg("cache get")
		return nil, ErrNotFound
	}
	if err != nil {
		r.log.Debug().Str("key", key).Err(err).Msg("cache get error")
		return nil, errors.Join(ErrUnavailable, err)
	}
	r.log.Debug().Str("key", key).Bool("hit", true).Msg("cache get")
	return value, nil
}

func (r *redisCache) Set(ctx context.Context, key string, value []byte) error {
	return r.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL stores value; a zero ttl never expires.
func (r *redisCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		r.log.Debug().Str("key", key).Err(err).Msg("cache set error")
		return errors.Join(ErrUnavailable, err)
	}
	r.log.Debug().Str("key", key).Dur("ttl", ttl).Msg("cache set")
	return nil
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.log.Debug().Str("key", key).Err(err).Msg("cache delete error")
		return errors.Join(ErrUnavailable, err)
	}
	r.log.Debug().Str("key", key).Msg("cache delete")
	return nil
}

func (r *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.check(ctx); err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisCache) Ping(ctx context.Context) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

func (r *redisCache) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if err := r.client.Close(); err != nil {
		r.log.Error().Err(err).Msg("redis: close error")
		return err
	}
	r.log.Info().Msg("redis cache closed")
	return nil
}
