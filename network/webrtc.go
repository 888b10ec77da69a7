package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	dataChannelLabel = "peerdrop"
	// maxDataChannelMessage keeps each data-channel message within what every
	// browser and pion peer accepts.
	maxDataChannelMessage = 16 * 1024

	fragmentFinal byte = 0
	fragmentMore  byte = 1
)

// ErrSignalingUnavailable indicates no answerer is registered for a peer.
var ErrSignalingUnavailable = errors.New("network: signaling peer unavailable")

// Signaler carries an SDP offer to a peer and returns its answer.
type Signaler interface {
	Exchange(ctx context.Context, peerID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// Answerer produces an SDP answer for a remote offer.
type Answerer interface {
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// DirectSignaler exchanges descriptions between answerers in the same process.
type DirectSignaler struct {
	mu        sync.RWMutex
	answerers map[string]Answerer
}

// NewDirectSignaler returns an empty signaler.
func NewDirectSignaler() *DirectSignaler {
	return &DirectSignaler{answerers: make(map[string]Answerer)}
}

// Register makes peerID reachable through answerer.
func (s *DirectSignaler) Register(peerID string, answerer Answerer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerers[peerID] = answerer
}

func (s *DirectSignaler) Exchange(ctx context.Context, peerID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.mu.RLock()
	answerer, ok := s.answerers[peerID]
	s.mu.RUnlock()
	if !ok {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrSignalingUnavailable, peerID)
	}
	return answerer.Answer(ctx, offer)
}

// WebRTCOptions configures a WebRTCAdapter.
type WebRTCOptions struct {
	Signaler   Signaler
	ICEServers []webrtc.ICEServer
	// LoopbackOnly restricts ICE to loopback UDP host candidates.
	LoopbackOnly bool
	Conn         ConnOptions
}

// WebRTCAdapter opens data-channel backed channels.
type WebRTCAdapter struct {
	api      *webrtc.API
	config   webrtc.Configuration
	signaler Signaler
	connOpts ConnOptions
	log      logrus.FieldLogger

	incoming chan Channel
}

// NewWebRTCAdapter builds an adapter around a pion API instance.
func NewWebRTCAdapter(options WebRTCOptions) (*WebRTCAdapter, error) {
	if options.Signaler == nil {
		return nil, errors.New("network: signaler is required")
	}
	connOpts := options.Conn.withDefaults()

	settings := webrtc.SettingEngine{}
	if options.LoopbackOnly {
		settings.SetIncludeLoopbackCandidate(true)
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
		settings.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
		settings.SetIPFilter(func(ip net.IP) bool { return ip.IsLoopback() })
	}

	return &WebRTCAdapter{
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		config:   webrtc.Configuration{ICEServers: options.ICEServers},
		signaler: options.Signaler,
		connOpts: connOpts,
		log:      connOpts.Logger.WithField("component", "network"),
		incoming: make(chan Channel, 16),
	}, nil
}

// Incoming yields channels created by Answer.
func (a *WebRTCAdapter) Incoming() <-chan Channel {
	return a.incoming
}

// Open creates an offer for peerID and completes it through the signaler in the background.
func (a *WebRTCAdapter) Open(ctx context.Context, peerID string) (Channel, error) {
	ch := newRTCChannel(a.connOpts)

	go func() {
		pc, err := a.api.NewPeerConnection(a.config)
		if err != nil {
			ch.closeWithError(fmt.Errorf("create peer connection: %w", err))
			return
		}
		ch.attachPeerConnection(pc)

		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			ch.closeWithError(fmt.Errorf("create data channel: %w", err))
			return
		}
		ch.attachDataChannel(dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			ch.closeWithError(fmt.Errorf("create offer: %w", err))
			return
		}
		local, err := setLocalAndGather(ctx, pc, offer)
		if err != nil {
			ch.closeWithError(err)
			return
		}

		answer, err := a.signaler.Exchange(ctx, peerID, local)
		if err != nil {
			ch.closeWithError(fmt.Errorf("signal %s: %w", peerID, err))
			return
		}
		if err := pc.SetRemoteDescription(answer); err != nil {
			ch.closeWithError(fmt.Errorf("set remote description: %w", err))
			return
		}
		a.log.WithField("peer", peerID).Debug("WebRTC offer answered")
	}()

	return ch, nil
}

// Answer accepts a remote offer and queues the resulting channel on Incoming.
func (a *WebRTCAdapter) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc, err := a.api.NewPeerConnection(a.config)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create peer connection: %w", err)
	}

	ch := newRTCChannel(a.connOpts)
	ch.attachPeerConnection(pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		ch.attachDataChannel(dc)
	})

	fail := func(err error) (webrtc.SessionDescription, error) {
		ch.closeWithError(err)
		return webrtc.SessionDescription{}, err
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	local, err := setLocalAndGather(ctx, pc, answer)
	if err != nil {
		return fail(err)
	}

	select {
	case a.incoming <- ch:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	return local, nil
}

func setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, description webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *pc.LocalDescription(), nil
}

// rtcChannel adapts one data channel to Channel, fragmenting encoded messages.
type rtcChannel struct {
	codec  Codec
	log    logrus.FieldLogger
	events *eventQueue

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	open   bool
	closed bool

	reassembly []byte

	closeOnce sync.Once
}

func newRTCChannel(options ConnOptions) *rtcChannel {
	return &rtcChannel{
		codec:  options.Codec,
		log:    options.Logger.WithField("component", "network"),
		events: newEventQueue(),
	}
}

func (c *rtcChannel) attachPeerConnection(pc *webrtc.PeerConnection) {
	c.mu.Lock()
	closed := c.closed
	c.pc = pc
	c.mu.Unlock()
	if closed {
		_ = pc.Close()
		return
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.closeWithError(errors.New("network: peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			c.closeWithError(nil)
		}
	})
}

func (c *rtcChannel) attachDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		if c.closed || c.open {
			c.mu.Unlock()
			return
		}
		c.open = true
		c.mu.Unlock()
		c.events.push(Event{Type: EventConnected})
	})
	dc.OnMessage(c.onMessage)
	dc.OnClose(func() { c.closeWithError(nil) })
	dc.OnError(func(err error) { c.closeWithError(fmt.Errorf("data channel: %w", err)) })
}

// onMessage runs on the data channel's read loop, one message at a time.
func (c *rtcChannel) onMessage(msg webrtc.DataChannelMessage) {
	if len(msg.Data) == 0 {
		return
	}
	flag, body := msg.Data[0], msg.Data[1:]

	c.reassembly = append(c.reassembly, body...)
	if len(c.reassembly) > MaxFrameSize {
		c.reassembly = nil
		c.closeWithError(ErrFrameTooLarge)
		return
	}
	if flag == fragmentMore {
		return
	}

	payload := c.reassembly
	c.reassembly = nil
	decoded, err := DecodeMessage(c.codec, payload)
	if err != nil {
		c.log.WithError(err).Debug("Dropping undecodable message")
		return
	}
	c.events.push(Event{Type: EventMessage, Message: decoded})
}

func (c *rtcChannel) Events() <-chan Event {
	return c.events.out
}

func (c *rtcChannel) Send(msg Message) error {
	c.mu.Lock()
	dc, open, closed := c.dc, c.open, c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if !open || dc == nil {
		return ErrChannelNotOpen
	}

	payload, err := EncodeMessage(c.codec, msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	for _, fragment := range fragmentPayload(payload, maxDataChannelMessage) {
		if err := dc.Send(fragment); err != nil {
			return fmt.Errorf("send fragment: %w", err)
		}
	}
	return nil
}

func (c *rtcChannel) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *rtcChannel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.open = false
		dc, pc := c.dc, c.pc
		c.mu.Unlock()

		if err != nil {
			c.events.push(Event{Type: EventError, Err: err})
		} else {
			c.events.push(Event{Type: EventDisconnected})
		}

		go func() {
			if dc != nil {
				_ = dc.Close()
			}
			if pc != nil {
				_ = pc.Close()
			}
		}()
	})
}

// fragmentPayload splits payload into flagged pieces of at most size bytes.
func fragmentPayload(payload []byte, size int) [][]byte {
	step := size - 1
	fragments := make([][]byte, 0, len(payload)/step+1)
	for offset := 0; ; offset += step {
		end := offset + step
		flag := fragmentMore
		if end >= len(payload) {
			end = len(payload)
			flag = fragmentFinal
		}
		fragment := make([]byte, 0, end-offset+1)
		fragment = append(fragment, flag)
		fragment = append(fragment, payload[offset:end]...)
		fragments = append(fragments, fragment)
		if flag == fragmentFinal {
			return fragments
		}
	}
}
