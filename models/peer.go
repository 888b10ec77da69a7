package models

// Peer is the last known endpoint of a remote peer identity.
type Peer struct {
	PeerID         string `json:"peer_id"`
	DeviceName     string `json:"device_name"`
	Address        string `json:"address"`
	KeyFingerprint string `json:"key_fingerprint"`
	LastSeen       int64  `json:"last_seen"`
}
