package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"peerdrop/crypto"
)

// ErrSignalRejected wraps an answerer failure reported by the remote peer.
var ErrSignalRejected = errors.New("network: remote rejected offer")

// signalEnvelope is the single sealed frame sent in each direction of an exchange.
type signalEnvelope struct {
	Type  string `msgpack:"type"`
	SDP   string `msgpack:"sdp"`
	Error string `msgpack:"error,omitempty"`
}

func envelopeFor(description webrtc.SessionDescription) signalEnvelope {
	return signalEnvelope{Type: description.Type.String(), SDP: description.SDP}
}

func (e signalEnvelope) description() (webrtc.SessionDescription, error) {
	if e.Error != "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrSignalRejected, e.Error)
	}
	kind := webrtc.NewSDPType(e.Type)
	if kind == webrtc.SDPTypeUnknown || e.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("network: malformed session description %q", e.Type)
	}
	return webrtc.SessionDescription{Type: kind, SDP: e.SDP}, nil
}

func writeEnvelope(conn net.Conn, secure *secureSession, envelope signalEnvelope) error {
	payload, err := msgpack.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	frame, err := secure.seal(payload)
	if err != nil {
		return err
	}
	return WriteFrame(conn, frame)
}

func readEnvelope(conn net.Conn, secure *secureSession, timeout time.Duration) (signalEnvelope, error) {
	frame, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return signalEnvelope{}, err
	}
	payload, err := secure.open(frame)
	if err != nil {
		return signalEnvelope{}, err
	}
	var envelope signalEnvelope
	if err := msgpack.Unmarshal(payload, &envelope); err != nil {
		return signalEnvelope{}, fmt.Errorf("decode signal: %w", err)
	}
	return envelope, nil
}

// TCPSignaler carries SDP offers to a SignalServer over Noise-secured TCP.
// The remote static key is checked against the resolved fingerprint.
type TCPSignaler struct {
	resolver  Resolver
	handshake HandshakeOptions
}

// NewTCPSignaler returns a signaler that finds peers through resolver.
func NewTCPSignaler(resolver Resolver, handshake HandshakeOptions) (*TCPSignaler, error) {
	if resolver == nil {
		return nil, errors.New("network: resolver is required")
	}
	hs, err := handshake.withDefaults()
	if err != nil {
		return nil, err
	}
	return &TCPSignaler{resolver: resolver, handshake: hs}, nil
}

func (s *TCPSignaler) Exchange(ctx context.Context, peerID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	endpoint, err := s.resolver.Resolve(ctx, peerID)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("resolve %s: %w", peerID, err)
	}

	conn, secure, err := dialSecure(ctx, endpoint.Address, s.handshake)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if endpoint.Fingerprint != "" && !crypto.FingerprintsEqual(endpoint.Fingerprint, secure.PeerFingerprint()) {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: peer %s", ErrFingerprintMismatch, peerID)
	}

	if err := writeEnvelope(conn, secure, envelopeFor(offer)); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("send offer: %w", err)
	}
	// The answer arrives only after the remote finished gathering candidates.
	reply, err := readEnvelope(conn, secure, s.handshake.ConnectionTimeout)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("read answer: %w", err)
	}
	return reply.description()
}

// SignalServer answers offers from authenticated peers. A socket that fails
// the handshake never reaches the Answerer.
type SignalServer struct {
	listener  net.Listener
	answerer  Answerer
	handshake HandshakeOptions
	log       logrus.FieldLogger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenSignaling accepts offers on address and hands them to answerer.
func ListenSignaling(address string, answerer Answerer, handshake HandshakeOptions, logger logrus.FieldLogger) (*SignalServer, error) {
	if answerer == nil {
		return nil, errors.New("network: answerer is required")
	}
	hs, err := handshake.withDefaults()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &SignalServer{
		listener:  listener,
		answerer:  answerer,
		handshake: hs,
		log:       logger.WithField("component", "signaling"),
		ctx:       ctx,
		cancel:    cancel,
	}
	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *SignalServer) Addr() net.Addr {
	return s.listener.Addr()
}

// LocalFingerprint returns the fingerprint peers must resolve for this server.
func (s *SignalServer) LocalFingerprint() string {
	return crypto.KeyFingerprint(s.handshake.StaticKey.Public)
}

// Close stops accepting and aborts exchanges in progress.
func (s *SignalServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.listener.Close()
		s.wg.Wait()
	})
	return err
}

func (s *SignalServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("Signaling accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			if err := s.serve(conn); err != nil {
				s.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("Signaling exchange failed")
			}
		}()
	}
}

func (s *SignalServer) serve(conn net.Conn) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.handshake.ConnectionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	secure, err := runHandshake(conn, s.handshake, false)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	request, err := readEnvelope(conn, secure, s.handshake.ConnectionTimeout)
	if err != nil {
		return fmt.Errorf("read offer: %w", err)
	}
	offer, err := request.description()
	if err != nil {
		return err
	}

	answer, err := s.answerer.Answer(ctx, offer)
	if err != nil {
		_ = writeEnvelope(conn, secure, signalEnvelope{Error: err.Error()})
		return fmt.Errorf("answer: %w", err)
	}
	s.log.WithField("peer_fingerprint", secure.PeerFingerprint()).Debug("Answered WebRTC offer")
	return writeEnvelope(conn, secure, envelopeFor(answer))
}
