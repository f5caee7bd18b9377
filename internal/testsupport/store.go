package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"lectern/internal/database"
)

// MustOpenDB opens a fresh migrated database in a temp directory and
// registers cleanup.
func MustOpenDB(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "lectern.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
