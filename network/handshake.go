package network

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"peerdrop/crypto"
)

var (
	// ErrFingerprintMismatch indicates the peer's static key does not match the expected fingerprint.
	ErrFingerprintMismatch = errors.New("network: peer key fingerprint mismatch")
	// ErrMalformedSecureFrame indicates a frame whose segment layout is invalid.
	ErrMalformedSecureFrame = errors.New("network: malformed secure frame")
)

const (
	handshakePrologue = "peerdrop/1"
	// noise transport messages carry a 16-byte AEAD tag.
	maxSegmentPlaintext = noise.MaxMsgLen - 16
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// HandshakeOptions configures the Noise XX handshake and connection behavior.
type HandshakeOptions struct {
	// StaticKey is the long-term X25519 keypair. A fresh one is generated when empty.
	StaticKey noise.DHKey

	ConnectionTimeout time.Duration
	FrameReadTimeout  time.Duration
}

func (o HandshakeOptions) withDefaults() (HandshakeOptions, error) {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if len(out.StaticKey.Private) == 0 {
		key, err := cipherSuite.GenerateKeypair(rand.Reader)
		if err != nil {
			return HandshakeOptions{}, fmt.Errorf("generate static keypair: %w", err)
		}
		out.StaticKey = key
	}
	return out, nil
}

// secureSession holds the transport ciphers of a completed handshake.
type secureSession struct {
	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState

	peerStatic []byte
}

// PeerFingerprint returns the fingerprint of the peer's static key.
func (s *secureSession) PeerFingerprint() string {
	return crypto.KeyFingerprint(s.peerStatic)
}

// seal encrypts payload into a sequence of length-prefixed noise messages.
func (s *secureSession) seal(payload []byte) ([]byte, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	out := make([]byte, 0, len(payload)+(len(payload)/maxSegmentPlaintext+1)*18)
	for offset := 0; offset == 0 || offset < len(payload); {
		end := offset + maxSegmentPlaintext
		if end > len(payload) {
			end = len(payload)
		}

		lengthAt := len(out)
		out = append(out, 0, 0)
		var err error
		out, err = s.send.Encrypt(out, nil, payload[offset:end])
		if err != nil {
			return nil, fmt.Errorf("encrypt segment: %w", err)
		}
		binary.BigEndian.PutUint16(out[lengthAt:], uint16(len(out)-lengthAt-2))

		offset = end
		if offset == len(payload) {
			break
		}
	}
	return out, nil
}

// open reverses seal.
func (s *secureSession) open(frame []byte) ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	out := make([]byte, 0, len(frame))
	for len(frame) > 0 {
		if len(frame) < 2 {
			return nil, ErrMalformedSecureFrame
		}
		size := int(binary.BigEndian.Uint16(frame))
		frame = frame[2:]
		if size > len(frame) {
			return nil, ErrMalformedSecureFrame
		}

		var err error
		out, err = s.recv.Decrypt(out, nil, frame[:size])
		if err != nil {
			return nil, fmt.Errorf("decrypt segment: %w", err)
		}
		frame = frame[size:]
	}
	return out, nil
}

// runHandshake performs a Noise XX exchange over conn using raw frames.
//
// Initiator: -> e, <- e ee s es, -> s se.
func runHandshake(conn net.Conn, options HandshakeOptions, initiator bool) (*secureSession, error) {
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      []byte(handshakePrologue),
		StaticKeypair: options.StaticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	var cs1, cs2 *noise.CipherState
	writeTurn := initiator
	for step := 0; step < 3; step++ {
		if writeTurn {
			var msg []byte
			msg, cs1, cs2, err = state.WriteMessage(nil, nil)
			if err != nil {
				return nil, fmt.Errorf("write handshake message %d: %w", step+1, err)
			}
			if err := WriteFrame(conn, msg); err != nil {
				return nil, fmt.Errorf("send handshake message %d: %w", step+1, err)
			}
		} else {
			msg, err := ReadFrameWithTimeout(conn, options.ConnectionTimeout)
			if err != nil {
				return nil, fmt.Errorf("read handshake message %d: %w", step+1, err)
			}
			if _, cs1, cs2, err = state.ReadMessage(nil, msg); err != nil {
				return nil, fmt.Errorf("process handshake message %d: %w", step+1, err)
			}
		}
		writeTurn = !writeTurn
	}
	if cs1 == nil || cs2 == nil {
		return nil, errors.New("network: handshake did not complete")
	}

	session := &secureSession{peerStatic: append([]byte(nil), state.PeerStatic()...)}
	if initiator {
		session.send, session.recv = cs1, cs2
	} else {
		session.send, session.recv = cs2, cs1
	}
	return session, nil
}
