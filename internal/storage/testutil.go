//go:build integration

package storage

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// TestDSNEnv names the environment variable integration tests read the
// Postgres DSN from.
const TestDSNEnv = "APIGATE_TEST_POSTGRES_DSN"

// OpenTestPool connects to the database named by TestDSNEnv, migrates it and
// truncates the apigate tables. The test is skipped when the variable is unset.
func OpenTestPool(t testing.TB) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv(TestDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", TestDSNEnv)
	}

	log := zerolog.Nop()
	ctx := context.Background()
	pool, err := Connect(ctx, &Config{Driver: DriverPostgres, DSN: dsn, Migrate: true}, &log)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `TRUNCATE rate_limit_buckets, oauth_tokens`); err != nil {
		t.Fatalf("truncate test tables: %v", err)
	}
	return pool
}
