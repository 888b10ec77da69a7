package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"peerdrop/network"
	"peerdrop/transfer"
)

const waitFor = 5 * time.Second

type delivered struct {
	Data        []byte
	Name        string
	ContentType string
}

type recordingSink struct {
	mu    sync.Mutex
	files []delivered
}

func (r *recordingSink) Deliver(data []byte, name, contentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, delivered{Data: append([]byte(nil), data...), Name: name, ContentType: contentType})
	return nil
}

func (r *recordingSink) Files() []delivered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivered(nil), r.files...)
}

type closeTracker struct {
	*bytes.Reader
	mu     sync.Mutex
	closed bool
}

func (c *closeTracker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *closeTracker) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type testPeer struct {
	*Session
	sink     *recordingSink
	adapter  *network.MemoryAdapter
	progress *progressLog
}

type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (p *progressLog) add(ev Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *progressLog) Events() []Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Progress(nil), p.events...)
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func newTestPeer(t *testing.T, mem *network.MemoryNetwork, id string, mutate func(*Options)) *testPeer {
	t.Helper()
	peer := &testPeer{
		sink:     &recordingSink{},
		adapter:  mem.Adapter(id),
		progress: &progressLog{},
	}
	options := Options{
		LocalID:    id,
		Adapter:    peer.adapter,
		Sink:       peer.sink,
		Policy:     transfer.PolicyFor(transfer.ProfileUnconstrained),
		Logger:     quietLogger(),
		OnProgress: peer.progress.add,
	}
	if mutate != nil {
		mutate(&options)
	}

	s, err := New(options)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)
	peer.Session = s
	return peer
}

func connectPair(t *testing.T, a, b *testPeer) {
	t.Helper()
	require.NoError(t, a.Connect(b.LocalID()))
	require.Eventually(t, func() bool {
		return a.RemoteID() == b.LocalID() && b.RemoteID() == a.LocalID()
	}, waitFor, 5*time.Millisecond)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

// rawPeer opens a bare channel to a session so tests can speak the protocol directly.
func rawPeer(t *testing.T, mem *network.MemoryNetwork, from, to string) network.Channel {
	t.Helper()
	ch, err := mem.Adapter(from).Open(context.Background(), to)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	ev := nextEvent(t, ch)
	require.Equal(t, network.EventConnected, ev.Type)
	return ch
}

func nextEvent(t *testing.T, ch network.Channel) network.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for channel event")
		return network.Event{}
	}
}

func nextMessage(t *testing.T, ch network.Channel) network.Message {
	t.Helper()
	ev := nextEvent(t, ch)
	require.Equal(t, network.EventMessage, ev.Type, "event %s", ev.Type)
	return ev.Message
}

func expectSilence(t *testing.T, ch network.Channel, d time.Duration) {
	t.Helper()
	select {
	case ev := <-ch.Events():
		t.Fatalf("unexpected event %s %#v", ev.Type, ev.Message)
	case <-time.After(d):
	}
}

// pendingReceives reports inbound transfers in flight, read on the loop.
func pendingReceives(t *testing.T, s *Session) int {
	t.Helper()
	var n int
	require.NoError(t, s.call(func() { n = s.receiver.Pending() }))
	return n
}

func countProgress(events []Progress, direction Direction) int {
	n := 0
	for _, ev := range events {
		if ev.Direction == direction {
			n++
		}
	}
	return n
}
