package storage

import (
	"testing"

	"peerdrop/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, Options{})
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

func mustUpsertPeer(t *testing.T, store *Store, peerID, address string) {
	t.Helper()

	err := store.UpsertPeer(models.Peer{
		PeerID:         peerID,
		DeviceName:     "device-" + peerID,
		Address:        address,
		KeyFingerprint: "fingerprint-" + peerID,
	})
	if err != nil {
		t.Fatalf("upsert peer %q: %v", peerID, err)
	}
}
