package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	lockBucketSQL = `SELECT pg_advisory_xact_lock(hashtext('rate_limit_buckets'), hashtext($1))`

	selectBucketSQL = `
		SELECT tenant_key, tokens, capacity, refill_rate, last_refill_at
		FROM rate_limit_buckets
		WHERE tenant_key = $1`

	upsertBucketSQL = `
		INSERT INTO rate_limit_buckets (tenant_key, tokens, capacity, refill_rate, last_refill_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_key) DO UPDATE SET
			tokens = EXCLUDED.tokens,
			capacity = EXCLUDED.capacity,
			refill_rate = EXCLUDED.refill_rate,
			last_refill_at = EXCLUDED.last_refill_at,
			updated_at = NOW()`

	deleteBucketSQL = `DELETE FROM rate_limit_buckets WHERE tenant_key = $1`
)

// PostgresStore persists buckets in the rate_limit_buckets table. Updates
// take a transaction-scoped advisory lock on the tenant so that processes
// sharing the database serialize on the same key, including the first
// insert of a bucket.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Update runs fn inside a transaction holding the tenant's lock.
func (s *PostgresStore) Update(ctx context.Context, tenant string, fn UpdateFunc) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockBucketSQL, tenant); err != nil {
			return fmt.Errorf("ratelimit: lock bucket: %w", err)
		}

		current, err := scanBucket(tx.QueryRow(ctx, selectBucketSQL, tenant))
		if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}

		_, err = tx.Exec(ctx, upsertBucketSQL,
			tenant, next.Tokens, next.Capacity, next.RefillRate, next.LastRefillAt)
		if err != nil {
			return fmt.Errorf("ratelimit: save bucket: %w", err)
		}
		return nil
	})
}

// Get loads the tenant's bucket without locking it.
func (s *PostgresStore) Get(ctx context.Context, tenant string) (*Bucket, error) {
	return scanBucket(s.pool.QueryRow(ctx, selectBucketSQL, tenant))
}

// Delete removes the tenant's bucket row.
func (s *PostgresStore) Delete(ctx context.Context, tenant string) error {
	if _, err := s.pool.Exec(ctx, deleteBucketSQL, tenant); err != nil {
		return fmt.Errorf("ratelimit: delete bucket: %w", err)
	}
	return nil
}

func scanBucket(row pgx.Row) (*Bucket, error) {
	var b Bucket
	err := row.Scan(&b.TenantKey, &b.Tokens, &b.Capacity, &b.RefillRate, &b.LastRefillAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ratelimit: load bucket: %w", err)
	}
	return &b, nil
}
