package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertPeer(t *testing.T, store *Store, peerID, name string) {
	t.Helper()

	if _, err := store.UpsertPeer(Peer{PeerID: peerID, DisplayName: name}); err != nil {
		t.Fatalf("upsert peer %q: %v", peerID, err)
	}
}
