package db

import (
	"path/filepath"
	"testing"
)

// OpenTestStore opens a migrated write/read pool pair in t.TempDir() and
// registers cleanup.
func OpenTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenStore(filepath.Join(t.TempDir(), "test.sqlite"), 4)
	if err != nil {
		t.Fatalf("open test sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := Migrate(store.Write); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return store
}
