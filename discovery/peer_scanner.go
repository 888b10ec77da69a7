package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"peerdrop/network"
)

var (
	// ErrPeerNotFound indicates no advertisement was seen for a peer id.
	ErrPeerNotFound = errors.New("discovery: peer not found")
	// ErrScannerStopped is returned by Refresh on a scanner that is not running.
	ErrScannerStopped = errors.New("discovery: peer scanner is not running")
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for UI/network consumers.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is one advertised peer on the local network.
type DiscoveredPeer struct {
	PeerID         string
	DeviceName     string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Endpoint returns a dialable endpoint, preferring IPv4 addresses.
func (p DiscoveredPeer) Endpoint() (network.Endpoint, bool) {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return network.Endpoint{}, false
	}
	address := p.Addresses[0]
	for _, candidate := range p.Addresses {
		if ip := net.ParseIP(candidate); ip != nil && ip.To4() != nil {
			address = candidate
			break
		}
	}
	return network.Endpoint{
		Address:     net.JoinHostPort(address, strconv.Itoa(p.Port)),
		Fingerprint: p.KeyFingerprint,
	}, true
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations.
type PeerScanner struct {
	cfg Config

	browse browseFunc
	log    logrus.FieldLogger

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		log:             cfg.Logger.WithField("component", "discovery"),
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return ErrScannerStopped
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// Lookup returns the cached advertisement for peerID.
func (s *PeerScanner) Lookup(peerID string) (DiscoveredPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[peerID]
	return peer, ok
}

// Resolve returns the endpoint advertised by peerID, scanning once on a cache miss.
func (s *PeerScanner) Resolve(ctx context.Context, peerID string) (network.Endpoint, error) {
	if endpoint, ok := s.cachedEndpoint(peerID); ok {
		return endpoint, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return network.Endpoint{}, fmt.Errorf("refresh peers: %w", err)
	}
	if endpoint, ok := s.cachedEndpoint(peerID); ok {
		return endpoint, nil
	}
	return network.Endpoint{}, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
}

func (s *PeerScanner) cachedEndpoint(peerID string) (network.Endpoint, bool) {
	peer, ok := s.Lookup(peerID)
	if !ok {
		return network.Endpoint{}, false
	}
	return peer.Endpoint()
}

// ListPeers returns the current in-memory discovered peers snapshot.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.scanAndLog(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-ticker.C:
			s.scanAndLog(context.Background())
		}
	}
}

func (s *PeerScanner) scanAndLog(ctx context.Context) {
	if err := s.runScan(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Warn("Peer scan failed")
	}
}

// runScan browses for one ScanTimeout window and replaces the peer table with
// what was seen. A scan cut short by requestCtx or Stop leaves the table as is.
func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stopWatch := context.AfterFunc(requestCtx, cancel)
	defer stopWatch()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browsed := make(chan error, 1)
	go func() {
		browsed <- s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	}()

	seen := make(map[string]DiscoveredPeer)
	collect := func(entry *zeroconf.ServiceEntry) {
		if peer, ok := parseEntry(entry, s.cfg.SelfPeerID); ok {
			peer.LastSeen = time.Now()
			seen[peer.PeerID] = peer
		}
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			collect(entry)
		case err := <-browsed:
			browsed = nil
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("browse %s: %w", s.cfg.Service, err)
			}
		case <-scanCtx.Done():
			for drained := false; !drained && entries != nil; {
				select {
				case entry, ok := <-entries:
					if !ok {
						drained = true
						continue
					}
					collect(entry)
				default:
					drained = true
				}
			}
			if err := requestCtx.Err(); err != nil {
				return err
			}
			if err := s.ctx.Err(); err != nil {
				return err
			}
			s.applySnapshot(seen)
			return nil
		}
	}
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !samePeer(old, peer) {
			s.log.WithFields(logrus.Fields{"peer": id, "addresses": peer.Addresses}).Debug("Peer discovered")
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string) (DiscoveredPeer, bool) {
	if entry == nil {
		return DiscoveredPeer{}, false
	}
	ad, ok := decodeAdvertisement(entry.Text)
	if !ok || ad.PeerID == selfPeerID {
		return DiscoveredPeer{}, false
	}

	name := deviceNameFromInstance(entry.Instance, ad.PeerID)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = ad.PeerID
	}

	return DiscoveredPeer{
		PeerID:         ad.PeerID,
		DeviceName:     name,
		KeyFingerprint: ad.KeyFingerprint,
		Version:        ad.Version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      entryAddresses(entry),
	}, true
}

// entryAddresses returns the record's distinct IPs, sorted.
func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	set := make(map[string]struct{}, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ips := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		for _, ip := range ips {
			if len(ip) == 0 {
				continue
			}
			set[ip.String()] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// samePeer ignores LastSeen so a steady peer does not re-emit every scan.
func samePeer(a, b DiscoveredPeer) bool {
	return a.PeerID == b.PeerID &&
		a.DeviceName == b.DeviceName &&
		a.KeyFingerprint == b.KeyFingerprint &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
