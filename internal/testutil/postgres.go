// Package testutil provides shared test infrastructure: a pgvector-enabled
// PostgreSQL container and a deterministic embedder for retrieval tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loomhq/loom/internal/database"
)

// TestDB wraps a PostgreSQL test container with a migrated schema.
type TestDB struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	URL       string
}

// SetupDB starts a pgvector-enabled PostgreSQL container, applies all
// migrations, and registers cleanup on the test. Tests using it must check
// testing.Short() and skip.
func SetupDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("loom_test"),
		postgres.WithUsername("loom_test"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	if err := database.Migrate(url); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}

	pool, err := database.Open(ctx, url)
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Container: container, Pool: pool, URL: url}
}

// SeedUser inserts a user row and returns its ID.
func (db *TestDB) SeedUser(t *testing.T, email, role string) int64 {
	t.Helper()
	var id int64
	err := db.Pool.QueryRow(context.Background(),
		`INSERT INTO users (email, role) VALUES ($1, $2) RETURNING id`,
		email, role,
	).Scan(&id)
	if err != nil {
		t.Fatalf("seeding user %s: %v", email, err)
	}
	return id
}
