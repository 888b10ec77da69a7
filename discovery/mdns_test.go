package discovery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfPeerID:     "peer-123",
		DeviceName:     "Alice Laptop",
		ListeningPort:  9999,
		KeyFingerprint: "0011223344556677",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}

	if gotInstance != "Alice Laptop (peer-123)" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "peer_id=peer-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "key_fingerprint=0011223344556677")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		t.Fatal("register must not be called for invalid config")
		return nil, nil
	}

	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"missing peer id", Config{DeviceName: "x", ListeningPort: 1}, ErrMissingPeerID},
		{"missing name", Config{SelfPeerID: "p", ListeningPort: 1}, ErrMissingDeviceName},
		{"missing port", Config{SelfPeerID: "p", DeviceName: "x"}, ErrInvalidPort},
		{"port out of range", Config{SelfPeerID: "p", DeviceName: "x", ListeningPort: 70000}, ErrInvalidPort},
	}
	for _, tc := range cases {
		tc.cfg.registerFn = register
		if _, err := StartBroadcaster(tc.cfg); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfPeerID:    "self",
		DeviceName:    "Self",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}
	svc.Stop()
}

func TestParseEntrySkipsSelfAndMissingID(t *testing.T) {
	if _, ok := parseEntry(testServiceEntry("self", "Self", 1, "10.0.0.1"), "self"); ok {
		t.Fatal("expected own advertisement to be skipped")
	}

	entry := testServiceEntry("other", "", 1, "10.0.0.1")
	entry.HostName = ""
	peer, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatal("expected entry to parse")
	}
	if peer.DeviceName != "other" {
		t.Fatalf("expected peer id as fallback name, got %q", peer.DeviceName)
	}

	entry.Text = []string{"version=1"}
	if _, ok := parseEntry(entry, "self"); ok {
		t.Fatal("expected entry without peer id to be skipped")
	}
}

func TestParseEntryStripsInstanceSuffix(t *testing.T) {
	entry := testServiceEntry("0123456789abcdef", instanceName("Bob Desktop", "0123456789abcdef"), 9000, "10.0.0.7")
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.7"), net.ParseIP("10.0.0.2"))

	peer, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatal("expected entry to parse")
	}
	if peer.DeviceName != "Bob Desktop" {
		t.Fatalf("unexpected device name %q", peer.DeviceName)
	}
	if len(peer.Addresses) != 2 || peer.Addresses[0] != "10.0.0.2" {
		t.Fatalf("expected sorted distinct addresses, got %v", peer.Addresses)
	}
	if peer.Version != 1 || peer.KeyFingerprint != "fingerprint-0123456789abcdef" {
		t.Fatalf("unexpected advertisement fields %+v", peer)
	}
}

func TestDecodeAdvertisementIgnoresNoise(t *testing.T) {
	ad, ok := decodeAdvertisement([]string{
		"garbage",
		"version=abc",
		" peer_id = p-1 ",
		"extra=1",
		"key_fingerprint=ff00",
	})
	if !ok {
		t.Fatal("expected peer id to be decoded")
	}
	if ad.PeerID != "p-1" || ad.Version != 0 || ad.KeyFingerprint != "ff00" {
		t.Fatalf("unexpected advertisement %+v", ad)
	}

	round, ok := decodeAdvertisement(advertisement{PeerID: "p-2", Version: 3, KeyFingerprint: "aa"}.encode())
	if !ok || round.PeerID != "p-2" || round.Version != 3 || round.KeyFingerprint != "aa" {
		t.Fatalf("encode/decode mismatch: %+v", round)
	}

	if _, ok := decodeAdvertisement([]string{"version=1"}); ok {
		t.Fatal("expected missing peer id to be rejected")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
