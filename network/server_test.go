package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerWithholdsConnUntilHandshakeSucceeds(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ServerOptions{
		Handshake: HandshakeOptions{ConnectionTimeout: 2 * time.Second},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
	})

	raw, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = raw.Close()
	})
	require.NoError(t, WriteFrame(raw, []byte("not a noise message")))

	select {
	case err := <-server.Errors():
		assert.Contains(t, err.Error(), "inbound handshake")
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for server error")
	}

	select {
	case conn := <-server.Incoming():
		t.Fatalf("failed handshake must not be delivered, got %v", conn)
	case <-time.After(100 * time.Millisecond):
	}

	client, err := HandshakeOptions{ConnectionTimeout: 2 * time.Second}.withDefaults()
	require.NoError(t, err)
	netConn, _, err := dialSecure(context.Background(), server.Addr().String(), client)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = netConn.Close()
	})

	var inbound *Conn
	select {
	case inbound = <-server.Incoming():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for authenticated conn")
	}
	t.Cleanup(func() {
		_ = inbound.Close()
	})
	expectEvent(t, inbound, EventConnected)
	assert.NotEmpty(t, inbound.PeerFingerprint())
}

func TestServerCloseStopsIncoming(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ServerOptions{})
	require.NoError(t, err)

	require.NoError(t, server.Close())

	select {
	case _, ok := <-server.Incoming():
		assert.False(t, ok, "incoming should be closed")
	case <-time.After(5 * time.Second):
		t.Fatalf("incoming not closed after Close")
	}
	assert.NoError(t, server.Close(), "second close is a no-op")
}
