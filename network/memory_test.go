package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNetworkPairsChannels(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			network := NewMemoryNetwork(codec)
			a := network.Adapter("a")
			b := network.Adapter("b")

			outbound, err := a.Open(context.Background(), "b")
			require.NoError(t, err)
			inbound := <-b.Incoming()

			expectEvent(t, outbound, EventConnected)
			expectEvent(t, inbound, EventConnected)

			require.NoError(t, outbound.Send(FileChunk{Type: TypeFileChunk, FileID: "f", Data: []byte{1, 2, 3}}))
			ev := expectEvent(t, inbound, EventMessage)
			assert.Equal(t, []byte{1, 2, 3}, ev.Message.(FileChunk).Data)

			require.NoError(t, inbound.Close())
			expectEvent(t, outbound, EventDisconnected)
			expectEvent(t, inbound, EventDisconnected)
			assert.ErrorIs(t, outbound.Send(Hello{Type: TypeHello}), ErrChannelClosed)
			assert.Equal(t, int64(1), a.Opens())
		})
	}
}

func TestMemoryNetworkUnknownPeerErrors(t *testing.T) {
	a := NewMemoryNetwork(nil).Adapter("a")

	ch, err := a.Open(context.Background(), "ghost")
	require.NoError(t, err)
	ev := expectEvent(t, ch, EventError)
	assert.ErrorIs(t, ev.Err, ErrPeerUnresolved)
}

func TestMemoryNetworkUnreachableStaysPending(t *testing.T) {
	network := NewMemoryNetwork(nil)
	a := network.Adapter("a")
	network.Adapter("b")
	network.SetUnreachable("b", true)

	ch, err := a.Open(context.Background(), "b")
	require.NoError(t, err)
	assert.ErrorIs(t, ch.Send(Hello{Type: TypeHello}), ErrChannelNotOpen)

	select {
	case ev := <-ch.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}

	require.NoError(t, ch.Close())
	expectEvent(t, ch, EventDisconnected)
}
