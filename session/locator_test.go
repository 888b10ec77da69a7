package session

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/network"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

func TestShareURLRoundTrip(t *testing.T) {
	link, err := ShareURL("https://drop.example/?lang=en", "peer-123")
	require.NoError(t, err)
	assert.Contains(t, link, "peer=peer-123")
	assert.Contains(t, link, "lang=en")

	id, err := ParseLocator(link)
	require.NoError(t, err)
	assert.Equal(t, "peer-123", id)
}

func TestParseLocatorWithoutPeer(t *testing.T) {
	_, err := ParseLocator("https://drop.example/")
	assert.ErrorIs(t, err, ErrNoLocator)
}

func TestConnectFromLocator(t *testing.T) {
	mem := network.NewMemoryNetwork(nil)
	a := newTestPeer(t, mem, "a", nil)
	newTestPeer(t, mem, "b", nil)

	self, err := a.ShareURL("peerdrop://join")
	require.NoError(t, err)
	connected, err := a.ConnectFromLocator(self)
	require.NoError(t, err)
	assert.False(t, connected)
	assert.Zero(t, a.adapter.Opens())

	connected, err = a.ConnectFromLocator("peerdrop://join?peer=b")
	require.NoError(t, err)
	assert.True(t, connected)
	require.Eventually(t, func() bool { return a.RemoteID() == "b" }, waitFor, 5*time.Millisecond)
}
