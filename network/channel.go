package network

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrChannelClosed indicates a send on a channel that is not open.
	ErrChannelClosed = errors.New("network: channel closed")
	// ErrChannelNotOpen indicates a send before the channel finished opening.
	ErrChannelNotOpen = errors.New("network: channel not open")
)

// EventType identifies one entry of a channel's inbound event stream.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventMessage      EventType = "message"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
)

// Event is one inbound channel notification.
type Event struct {
	Type    EventType
	Message Message
	Err     error
}

// Channel is an ordered, reliable, bidirectional message transport to one peer.
//
// Events yields exactly one EventConnected once the channel opens, then messages,
// then one terminal EventDisconnected or EventError, after which it is closed.
// Callers must drain Events until it is closed.
type Channel interface {
	Events() <-chan Event
	// Send enqueues a message without blocking on the network.
	Send(msg Message) error
	Close() error
}

// Adapter establishes channels. Open returns immediately with a pending channel.
type Adapter interface {
	Open(ctx context.Context, peerID string) (Channel, error)
	// Incoming yields channels requested by remote peers, before they open.
	Incoming() <-chan Channel
}

// eventQueue delivers events in order without blocking producers.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    bool

	out chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go q.pump()
	return q
}

// push enqueues ev. A terminal event seals the queue; later pushes are dropped.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, ev)
	if ev.Type == EventDisconnected || ev.Type == EventError {
		q.done = true
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) sealed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.pending[0]
			q.pending[0] = Event{}
			q.pending = q.pending[1:]
			q.mu.Unlock()

			q.out <- ev
			if ev.Type == EventDisconnected || ev.Type == EventError {
				return
			}
		}
	}
}
