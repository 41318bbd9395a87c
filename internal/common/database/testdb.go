package database

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
)

// OpenTest connects to TEST_DATABASE_URL and applies migrations, skipping the
// test when the variable is unset.
func OpenTest(t testing.TB) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Migrate(url, logger); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	db, err := New(context.Background(), Config{URL: url, MaxConns: 20, MinConns: 1}, logger)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}
