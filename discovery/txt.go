package discovery

import (
	"strconv"
	"strings"
)

const (
	txtPeerID         = "peer_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"

	shortIDLength = 8
)

// advertisement is the payload carried in a service record's TXT strings.
type advertisement struct {
	PeerID         string
	Version        int
	KeyFingerprint string
}

func (a advertisement) encode() []string {
	return []string{
		txtPeerID + "=" + a.PeerID,
		txtVersion + "=" + strconv.Itoa(a.Version),
		txtKeyFingerprint + "=" + a.KeyFingerprint,
	}
}

// decodeAdvertisement reads the known keys from TXT strings. Unknown keys and
// malformed pairs are ignored; ok is false when no peer id is present.
func decodeAdvertisement(text []string) (advertisement, bool) {
	var ad advertisement
	for _, pair := range text {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case txtPeerID:
			ad.PeerID = value
		case txtVersion:
			if v, err := strconv.Atoi(value); err == nil {
				ad.Version = v
			}
		case txtKeyFingerprint:
			ad.KeyFingerprint = value
		}
	}
	return ad, ad.PeerID != ""
}

// instanceName disambiguates devices sharing a name by appending a short peer id.
func instanceName(deviceName, peerID string) string {
	return deviceName + " (" + shortID(peerID) + ")"
}

// deviceNameFromInstance strips the suffix added by instanceName, if present.
func deviceNameFromInstance(instance, peerID string) string {
	return strings.TrimSpace(strings.TrimSuffix(instance, " ("+shortID(peerID)+")"))
}

func shortID(peerID string) string {
	if len(peerID) > shortIDLength {
		return peerID[:shortIDLength]
	}
	return peerID
}
