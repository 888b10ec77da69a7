package models

// Delivery records one fully received file handed to a sink.
type Delivery struct {
	ID          int64  `json:"id"`
	PeerID      string `json:"peer_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	StoredPath  string `json:"stored_path"`
	ReceivedAt  int64  `json:"received_at"`
}
