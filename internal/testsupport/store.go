package testsupport

import (
	"testing"

	"medgate/internal/config"
	"medgate/internal/queue"
)

// MustOpenStore opens a store against the config's data directory and closes
// it when the test finishes.
func MustOpenStore(t *testing.T, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}
