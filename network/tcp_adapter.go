package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"peerdrop/crypto"
)

// TCPAdapterOptions configures a TCPAdapter.
type TCPAdapterOptions struct {
	ListenAddress string
	Resolver      Resolver
	Handshake     HandshakeOptions
	Conn          ConnOptions
}

// TCPAdapter opens Noise-encrypted TCP channels to peers found through a Resolver.
type TCPAdapter struct {
	server    *Server
	resolver  Resolver
	handshake HandshakeOptions
	connOpts  ConnOptions
	log       logrus.FieldLogger

	incoming  chan Channel
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTCPAdapter starts listening and returns a ready adapter.
func NewTCPAdapter(options TCPAdapterOptions) (*TCPAdapter, error) {
	if options.Resolver == nil {
		return nil, fmt.Errorf("network: resolver is required")
	}
	hs, err := options.Handshake.withDefaults()
	if err != nil {
		return nil, err
	}
	connOpts := options.Conn.withDefaults()

	server, err := Listen(options.ListenAddress, ServerOptions{Handshake: hs, Conn: connOpts})
	if err != nil {
		return nil, err
	}

	adapter := &TCPAdapter{
		server:    server,
		resolver:  options.Resolver,
		handshake: hs,
		connOpts:  connOpts,
		log:       connOpts.Logger.WithField("component", "network"),
		incoming:  make(chan Channel, 16),
		done:      make(chan struct{}),
	}

	adapter.wg.Add(2)
	go adapter.relayIncoming()
	go adapter.logServerErrors()
	return adapter, nil
}

// Addr returns the listening address.
func (a *TCPAdapter) Addr() net.Addr {
	return a.server.Addr()
}

// LocalFingerprint returns the fingerprint of this adapter's static key.
func (a *TCPAdapter) LocalFingerprint() string {
	return crypto.KeyFingerprint(a.handshake.StaticKey.Public)
}

// Open resolves peerID and dials it in the background.
func (a *TCPAdapter) Open(ctx context.Context, peerID string) (Channel, error) {
	conn := newPendingConn(a.connOpts)
	conn.establish(ctx, func(ctx context.Context) (net.Conn, *secureSession, error) {
		endpoint, err := a.resolver.Resolve(ctx, peerID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %s: %w", peerID, err)
		}

		netConn, secure, err := dialSecure(ctx, endpoint.Address, a.handshake)
		if err != nil {
			return nil, nil, err
		}
		if endpoint.Fingerprint != "" && !crypto.FingerprintsEqual(endpoint.Fingerprint, secure.PeerFingerprint()) {
			_ = netConn.Close()
			return nil, nil, fmt.Errorf("%w: peer %s", ErrFingerprintMismatch, peerID)
		}

		a.log.WithFields(logrus.Fields{
			"peer":    peerID,
			"address": endpoint.Address,
		}).Debug("Outbound channel handshake complete")
		return netConn, secure, nil
	})
	return conn, nil
}

// Incoming yields channels accepted by the listener.
func (a *TCPAdapter) Incoming() <-chan Channel {
	return a.incoming
}

// Close stops the listener. Open channels are unaffected.
func (a *TCPAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = a.server.Close()
		a.wg.Wait()
		close(a.incoming)
	})
	return err
}

func (a *TCPAdapter) relayIncoming() {
	defer a.wg.Done()
	for conn := range a.server.Incoming() {
		select {
		case a.incoming <- conn:
		case <-a.done:
			_ = conn.Close()
		}
	}
}

func (a *TCPAdapter) logServerErrors() {
	defer a.wg.Done()
	for err := range a.server.Errors() {
		a.log.WithError(err).Warn("Listener error")
	}
}
