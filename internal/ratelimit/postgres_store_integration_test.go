//go:build integration

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/apigate/internal/storage"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	store := NewPostgresStore(storage.OpenTestPool(t))
	ctx := context.Background()

	b, err := store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, b)

	want := NewBucket("acme", DefaultPolicy(), epoch)
	want.Tokens = 42
	require.NoError(t, store.Update(ctx, "acme", func(cur *Bucket) (*Bucket, error) {
		assert.Nil(t, cur)
		return &want, nil
	}))

	got, err := store.Get(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.Tokens)
	assert.True(t, got.LastRefillAt.Equal(epoch))

	require.NoError(t, store.Delete(ctx, "acme"))
	got, err = store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresStore_SharedAcrossLimiters(t *testing.T) {
	pool := storage.OpenTestPool(t)
	policy := Policy{Capacity: 30, RefillRate: 1}
	clock := newFakeClock()

	// Two limiters model two processes sharing one database.
	a, err := NewTenantLimiter(NewPostgresStore(pool), policy, WithClock(clock.Now))
	require.NoError(t, err)
	b, err := NewTenantLimiter(NewPostgresStore(pool), policy, WithClock(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := range 80 {
		wg.Add(1)
		go func(l *TenantLimiter) {
			defer wg.Done()
			st, err := l.Consume(ctx, "shared", 1)
			if err == nil && st.Allowed {
				allowed.Add(1)
			}
		}([]*TenantLimiter{a, b}[i%2])
	}
	wg.Wait()

	assert.Equal(t, int64(30), allowed.Load())
}
