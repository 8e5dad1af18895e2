// Package statetest opens migrated throwaway stores for tests.
package statetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/internal/testutil"
)

// Open returns a migrated SQLite store in a temp directory. The store is
// closed when the test ends.
func Open(t testing.TB) *state.Store {
	t.Helper()

	ctx := context.Background()
	store, err := state.Open(ctx, state.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "fieldflow.db"),
		Logger: testutil.NewTestLogger(t),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	return store
}
