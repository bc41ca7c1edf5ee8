package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sdk-batch-processor/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testPostgres connects to STORE_TEST_URL, migrates it and empties the tables.
// The test is skipped in short mode or when no database is reachable.
func testPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("STORE_TEST_URL")
	if url == "" {
		t.Skip("Skipping integration test - STORE_TEST_URL not set")
	}

	cfg := &config.PostgresConfig{
		URL:            url,
		MaxConnections: 4,
		MigrationsPath: "../../migrations/postgres",
	}
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	_, err = db.Pool().Exec(testContext(t), `
		TRUNCATE sdk_pending_transactions, sdk_batch_runs, transactions,
		         project_unique_users, project_unique_user_events, campaigns`)
	if err != nil {
		t.Fatalf("truncate error = %v", err)
	}
	return db
}
