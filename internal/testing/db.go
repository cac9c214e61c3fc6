// Package testing provides test utilities and fixtures for the moves
// project.
package testing

import (
	"path/filepath"
	"testing"

	"moves/internal/database"
)

// NewTestDB creates a temp-file SQLite database with the full schema
// applied. The file lives in t.TempDir() so the test framework removes
// it; the returned cleanup closes the connection and is safe to call
// more than once.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "moves_test.db")
	db, err := database.New(database.Config{Path: path, Name: "moves_test"})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	closed := false
	cleanup := func() {
		if !closed {
			closed = true
			_ = db.Close()
		}
	}
	t.Cleanup(cleanup)
	return db, cleanup
}
