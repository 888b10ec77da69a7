package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/flynn/noise"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"peerdrop/config"
	"peerdrop/network"
)

// transport is the channel adapter serve runs on and the TCP address peers
// reach it through. For WebRTC that address carries signaling only.
type transport struct {
	name    string
	adapter network.Adapter
	addr    net.Addr
	close   func() error
}

func (t *transport) port() int {
	if addr, ok := t.addr.(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func openTransport(cfg *config.DeviceConfig, key noise.DHKey, resolver network.Resolver, codec network.Codec, log logrus.FieldLogger) (*transport, error) {
	handshake := network.HandshakeOptions{StaticKey: key}
	connOpts := network.ConnOptions{Codec: codec, Logger: log}

	switch name := strings.ToLower(strings.TrimSpace(cfg.Transport)); name {
	case "", config.TransportTCP:
		adapter, err := network.NewTCPAdapter(network.TCPAdapterOptions{
			ListenAddress: cfg.ListenAddress(),
			Resolver:      resolver,
			Handshake:     handshake,
			Conn:          connOpts,
		})
		if err != nil {
			return nil, err
		}
		return &transport{name: config.TransportTCP, adapter: adapter, addr: adapter.Addr(), close: adapter.Close}, nil

	case config.TransportWebRTC:
		signaler, err := network.NewTCPSignaler(resolver, handshake)
		if err != nil {
			return nil, err
		}
		adapter, err := network.NewWebRTCAdapter(network.WebRTCOptions{
			Signaler:   signaler,
			ICEServers: iceServers(cfg.ICEServers),
			Conn:       connOpts,
		})
		if err != nil {
			return nil, err
		}
		server, err := network.ListenSignaling(cfg.ListenAddress(), adapter, handshake, log)
		if err != nil {
			return nil, err
		}
		return &transport{name: config.TransportWebRTC, adapter: adapter, addr: server.Addr(), close: server.Close}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
