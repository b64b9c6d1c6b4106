package testsupport

import (
	"testing"

	"easel/internal/config"
	"easel/internal/lineage"
)

// MustOpenStore opens a lineage store for the test config and closes it when
// the test ends.
func MustOpenStore(t testing.TB, cfg *config.Config) *lineage.Store {
	t.Helper()

	store, err := lineage.Open(cfg)
	if err != nil {
		t.Fatalf("open lineage store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close lineage store: %v", err)
		}
	})
	return store
}
