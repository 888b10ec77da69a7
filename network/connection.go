package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnOptions controls runtime behavior of Conn.
type ConnOptions struct {
	Codec            Codec
	FrameReadTimeout time.Duration
	Logger           logrus.FieldLogger
}

func (o ConnOptions) withDefaults() ConnOptions {
	out := o
	if out.Codec == nil {
		out.Codec = JSONCodec{}
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type establishFunc func(ctx context.Context) (net.Conn, *secureSession, error)

// Conn is a Channel over one encrypted, framed TCP stream.
type Conn struct {
	codec            Codec
	frameReadTimeout time.Duration
	log              logrus.FieldLogger

	events *eventQueue

	mu     sync.RWMutex
	conn   net.Conn
	secure *secureSession
	open   bool
	cancel context.CancelFunc

	outMu    sync.Mutex
	outbound [][]byte
	outWake  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newPendingConn(options ConnOptions) *Conn {
	opts := options.withDefaults()
	return &Conn{
		codec:            opts.Codec,
		frameReadTimeout: opts.FrameReadTimeout,
		log:              opts.Logger,
		events:           newEventQueue(),
		outWake:          make(chan struct{}, 1),
		closed:           make(chan struct{}),
	}
}

// establish opens the underlying stream in the background and emits EventConnected.
func (c *Conn) establish(parent context.Context, fn establishFunc) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()

		conn, secure, err := fn(ctx)
		if err != nil {
			c.closeWithError(fmt.Errorf("open channel: %w", err))
			return
		}

		c.mu.Lock()
		select {
		case <-c.closed:
			c.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		c.conn = conn
		c.secure = secure
		c.open = true
		c.mu.Unlock()

		c.events.push(Event{Type: EventConnected})
		go c.readLoop()
		go c.writeLoop()
	}()
}

// Events returns the inbound event stream.
func (c *Conn) Events() <-chan Event {
	return c.events.out
}

// Done is closed when the connection is fully disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// PeerFingerprint returns the remote static key fingerprint once open.
func (c *Conn) PeerFingerprint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.secure == nil {
		return ""
	}
	return c.secure.PeerFingerprint()
}

// RemoteAddr returns the remote socket address once open.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Send encodes msg and queues it for the write loop.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	c.mu.RLock()
	open := c.open
	c.mu.RUnlock()
	if !open {
		return ErrChannelNotOpen
	}

	payload, err := EncodeMessage(c.codec, msg)
	if err != nil {
		return err
	}
	if sealedSize(len(payload)) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	c.outMu.Lock()
	c.outbound = append(c.outbound, payload)
	c.outMu.Unlock()

	select {
	case c.outWake <- struct{}{}:
	default:
	}
	return nil
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) readLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(c.conn, c.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}

			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		payload, err := c.secure.open(frame)
		if err != nil {
			c.closeWithError(err)
			return
		}

		msg, err := DecodeMessage(c.codec, payload)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"component": "network",
				"error":     err,
			}).Debug("Dropping undecodable message")
			continue
		}
		c.events.push(Event{Type: EventMessage, Message: msg})
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.outWake:
		case <-c.closed:
			return
		}

		for {
			c.outMu.Lock()
			if len(c.outbound) == 0 {
				c.outMu.Unlock()
				break
			}
			payload := c.outbound[0]
			c.outbound[0] = nil
			c.outbound = c.outbound[1:]
			c.outMu.Unlock()

			frame, err := c.secure.seal(payload)
			if err != nil {
				c.closeWithError(err)
				return
			}
			if err := WriteFrame(c.conn, frame); err != nil {
				select {
				case <-c.closed:
				default:
					c.closeWithError(fmt.Errorf("write frame: %w", err))
				}
				return
			}
		}
	}
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.open = false
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()

		c.outMu.Lock()
		c.outbound = nil
		c.outMu.Unlock()

		if err != nil {
			c.events.push(Event{Type: EventError, Err: err})
			return
		}
		c.events.push(Event{Type: EventDisconnected})
	})
}

func sealedSize(n int) int {
	segments := n/maxSegmentPlaintext + 1
	return n + segments*(2+16)
}
