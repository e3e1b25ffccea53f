package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createStoreAtVersion creates a store file using only the first version
// migrations of the default model, then closes it.
func createStoreAtVersion(t *testing.T, path string, version int) {
	t.Helper()
	s, err := Open(context.Background(), path, Options{Model: DefaultModel().Truncate(version)})
	if err != nil {
		t.Fatalf("Open() at v%d failed: %v", version, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
}
