// Package dbtest starts a disposable PostGIS container with the schema applied,
// for integration tests that need real locking and constraint behaviour.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/winejournal/labelscan/internal/db"
)

const (
	image          = "postgis/postgis:16-3.4-alpine"
	readyLogCount  = 2
	startupTimeout = 120 * time.Second
)

// Setup starts a container, runs the embedded migrations, and returns a pool.
// The container and pool are released through t.Cleanup.
func Setup(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	container, err := postgres.Run(ctx,
		image,
		postgres.WithDatabase("labelscan_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogCount).
				WithStartupTimeout(startupTimeout),
		),
	)
	require.NoError(t, err, "start postgis container")
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "container connection string")

	pool, err := db.Connect(ctx, connStr, db.PoolConfig{MaxConns: 20})
	require.NoError(t, err, "connect")
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool), "migrate")
	return pool
}
