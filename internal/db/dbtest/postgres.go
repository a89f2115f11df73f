// Package dbtest starts a throwaway PostgreSQL for repository tests.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vasiliy-maslov/cart-checkout/internal/db"
)

var (
	once    sync.Once
	pool    *pgxpool.Pool
	initErr error
)

// Pool returns a pool on a migrated database shared by the package's tests.
// Tables are truncated when the calling test finishes. The test is skipped
// in -short mode or when no container runtime is available.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	once.Do(func() {
		pool, initErr = start()
	})
	require.NoError(t, initErr, "failed to start test database")

	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), `
			TRUNCATE order_service.order_items, order_service.orders,
			         order_service.cart_items, order_service.carts CASCADE
		`)
		require.NoError(t, err)
	})

	return pool
}

func start() (*pgxpool.Pool, error) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("cart_checkout_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, err
	}

	migrateURL := "pgx5" + dsn[len("postgres"):]
	if err := db.ApplyMigrations(migrateURL, migrationsDir()); err != nil {
		return nil, err
	}

	return pgxpool.New(ctx, dsn)
}

func migrationsDir() string {
	if dir := os.Getenv("MIGRATIONS_PATH_TEST"); dir != "" {
		return dir
	}
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}
