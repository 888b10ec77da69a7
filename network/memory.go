package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryNetwork connects in-process adapters without sockets.
// Messages still pass through the configured codec.
type MemoryNetwork struct {
	codec Codec

	mu          sync.Mutex
	adapters    map[string]*MemoryAdapter
	unreachable map[string]bool
}

// NewMemoryNetwork returns an empty network. A nil codec selects JSON.
func NewMemoryNetwork(codec Codec) *MemoryNetwork {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &MemoryNetwork{
		codec:       codec,
		adapters:    make(map[string]*MemoryAdapter),
		unreachable: make(map[string]bool),
	}
}

// Adapter returns the adapter registered for peerID, creating it on first use.
func (n *MemoryNetwork) Adapter(peerID string) *MemoryAdapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	if adapter, ok := n.adapters[peerID]; ok {
		return adapter
	}
	adapter := &MemoryAdapter{
		network:  n,
		peerID:   peerID,
		incoming: make(chan Channel, 16),
	}
	n.adapters[peerID] = adapter
	return adapter
}

// SetUnreachable makes channels opened towards peerID stay pending forever.
func (n *MemoryNetwork) SetUnreachable(peerID string, unreachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable[peerID] = unreachable
}

// MemoryAdapter is one peer's attachment to a MemoryNetwork.
type MemoryAdapter struct {
	network  *MemoryNetwork
	peerID   string
	incoming chan Channel
	opens    atomic.Int64
}

// Opens reports how many channels this adapter has requested.
func (a *MemoryAdapter) Opens() int64 {
	return a.opens.Load()
}

// Incoming yields channels opened towards this adapter.
func (a *MemoryAdapter) Incoming() <-chan Channel {
	return a.incoming
}

// Open requests a channel to peerID.
func (a *MemoryAdapter) Open(_ context.Context, peerID string) (Channel, error) {
	a.opens.Add(1)
	local := newMemoryChannel(a.network.codec)

	a.network.mu.Lock()
	remote := a.network.adapters[peerID]
	unreachable := a.network.unreachable[peerID]
	a.network.mu.Unlock()

	switch {
	case unreachable:
		return local, nil
	case remote == nil:
		local.events.push(Event{Type: EventError, Err: fmt.Errorf("%w: %s", ErrPeerUnresolved, peerID)})
		return local, nil
	}

	peer := newMemoryChannel(a.network.codec)
	local.peer = peer
	peer.peer = local

	select {
	case remote.incoming <- peer:
	default:
		local.events.push(Event{Type: EventError, Err: fmt.Errorf("network: peer %s is not accepting channels", peerID)})
		return local, nil
	}

	peer.markOpen()
	local.markOpen()
	return local, nil
}

type memoryChannel struct {
	codec  Codec
	events *eventQueue
	peer   *memoryChannel

	mu     sync.Mutex
	open   bool
	closed bool
}

func newMemoryChannel(codec Codec) *memoryChannel {
	return &memoryChannel{codec: codec, events: newEventQueue()}
}

func (c *memoryChannel) markOpen() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.mu.Unlock()
	c.events.push(Event{Type: EventConnected})
}

func (c *memoryChannel) Events() <-chan Event {
	return c.events.out
}

func (c *memoryChannel) Send(msg Message) error {
	c.mu.Lock()
	open, closed := c.open, c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if !open {
		return ErrChannelNotOpen
	}

	payload, err := EncodeMessage(c.codec, msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	c.peer.deliver(payload)
	return nil
}

func (c *memoryChannel) deliver(payload []byte) {
	msg, err := DecodeMessage(c.codec, payload)
	if err != nil {
		return
	}
	c.events.push(Event{Type: EventMessage, Message: msg})
}

func (c *memoryChannel) Close() error {
	if c.shutdown() && c.peer != nil {
		c.peer.shutdown()
	}
	return nil
}

func (c *memoryChannel) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.open = false
	c.mu.Unlock()

	c.events.push(Event{Type: EventDisconnected})
	return true
}
