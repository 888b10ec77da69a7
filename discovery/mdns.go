package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerdrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

var (
	// ErrMissingPeerID rejects configs without a local peer id.
	ErrMissingPeerID = errors.New("discovery: self peer id is required")
	// ErrMissingDeviceName rejects broadcasts without a device name.
	ErrMissingDeviceName = errors.New("discovery: device name is required")
	// ErrInvalidPort rejects broadcasts without a listening port.
	ErrInvalidPort = errors.New("discovery: listening port must be positive")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfPeerID     string
	DeviceName     string
	ListeningPort  int
	KeyFingerprint string

	Logger logrus.FieldLogger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return ErrMissingPeerID
	}
	return nil
}

func (c Config) validateForBroadcast() error {
	if err := c.validateForScan(); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(c.DeviceName) == "":
		return ErrMissingDeviceName
	case c.ListeningPort <= 0 || c.ListeningPort > 65535:
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.ListeningPort)
	}
	return nil
}

func (c Config) advertisement() advertisement {
	return advertisement{
		PeerID:         c.SelfPeerID,
		Version:        c.Version,
		KeyFingerprint: c.KeyFingerprint,
	}
}

// Broadcaster advertises the local peer via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the local peer's service record.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	instance := instanceName(cfg.DeviceName, cfg.SelfPeerID)
	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.advertisement().encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("register %s as %q: %w", cfg.Service, instance, err)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"component": "discovery",
		"instance":  instance,
		"port":      cfg.ListeningPort,
	}).Info("Advertising peer")
	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service pairs a broadcaster with a scanner sharing one Config.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start advertises the local peer and begins scanning for others.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		return nil, err
	}
	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}
	return &Service{Broadcaster: broadcaster, Scanner: scanner}, nil
}

// Stop withdraws the advertisement, then stops scanning.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.Broadcaster.Stop()
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
}
