package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"peerdrop/models"
	"peerdrop/network"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// UpsertPeer inserts or replaces a peer's last known endpoint.
// Empty fields keep their stored values.
func (s *Store) UpsertPeer(peer models.Peer) error {
	if strings.TrimSpace(peer.PeerID) == "" {
		return errors.New("peer_id is required")
	}
	if peer.LastSeen == 0 {
		peer.LastSeen = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_id,
			device_name,
			address,
			key_fingerprint,
			last_seen
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			device_name = CASE WHEN excluded.device_name != '' THEN excluded.device_name ELSE peers.device_name END,
			address = CASE WHEN excluded.address != '' THEN excluded.address ELSE peers.address END,
			key_fingerprint = CASE WHEN excluded.key_fingerprint != '' THEN excluded.key_fingerprint ELSE peers.key_fingerprint END,
			last_seen = MAX(peers.last_seen, excluded.last_seen)`,
		peer.PeerID,
		peer.DeviceName,
		peer.Address,
		peer.KeyFingerprint,
		peer.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.PeerID, err)
	}

	return nil
}

// GetPeer fetches a peer by id.
func (s *Store) GetPeer(peerID string) (*models.Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_id,
			device_name,
			address,
			key_fingerprint,
			last_seen
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}

	return peer, nil
}

// ListPeers returns all peers, most recently seen first.
func (s *Store) ListPeers() ([]models.Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_id,
			device_name,
			address,
			key_fingerprint,
			last_seen
		FROM peers
		ORDER BY last_seen DESC, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// TouchPeer records that peerID was seen at lastSeen (unix millis, 0 for now).
func (s *Store) TouchPeer(peerID string, lastSeen int64) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if lastSeen <= 0 {
		lastSeen = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET last_seen = MAX(last_seen, ?)
		WHERE peer_id = ?`,
		lastSeen,
		peerID,
	)
	if err != nil {
		return fmt.Errorf("touch peer %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for touch peer %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemovePeer deletes a peer by id.
func (s *Store) RemovePeer(peerID string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Resolve returns the last known endpoint of peerID.
func (s *Store) Resolve(_ context.Context, peerID string) (network.Endpoint, error) {
	peer, err := s.GetPeer(peerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return network.Endpoint{}, fmt.Errorf("%w: %s", network.ErrPeerUnresolved, peerID)
		}
		return network.Endpoint{}, err
	}
	if peer.Address == "" {
		return network.Endpoint{}, fmt.Errorf("%w: %s has no known address", network.ErrPeerUnresolved, peerID)
	}
	return network.Endpoint{Address: peer.Address, Fingerprint: peer.KeyFingerprint}, nil
}

func scanPeer(scanner rowScanner) (*models.Peer, error) {
	var peer models.Peer
	if err := scanner.Scan(
		&peer.PeerID,
		&peer.DeviceName,
		&peer.Address,
		&peer.KeyFingerprint,
		&peer.LastSeen,
	); err != nil {
		return nil, err
	}
	return &peer, nil
}
