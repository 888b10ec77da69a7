package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"peerdrop/models"
)

// AddDelivery records a received file and returns its row id.
func (s *Store) AddDelivery(delivery models.Delivery) (int64, error) {
	if delivery.Name == "" {
		return 0, errors.New("name is required")
	}
	if delivery.StoredPath == "" {
		return 0, errors.New("stored_path is required")
	}
	if delivery.ContentType == "" {
		delivery.ContentType = "application/octet-stream"
	}
	if delivery.ReceivedAt == 0 {
		delivery.ReceivedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO deliveries (
			peer_id,
			name,
			content_type,
			size,
			stored_path,
			received_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		nullString(delivery.PeerID),
		delivery.Name,
		delivery.ContentType,
		delivery.Size,
		delivery.StoredPath,
		delivery.ReceivedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert delivery %q: %w", delivery.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read delivery id: %w", err)
	}
	return id, nil
}

// ListDeliveries returns deliveries newest first. A limit <= 0 returns all rows.
func (s *Store) ListDeliveries(limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			peer_id,
			name,
			content_type,
			size,
			stored_path,
			received_at
		FROM deliveries
		ORDER BY received_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := make([]models.Delivery, 0)
	for rows.Next() {
		var (
			delivery models.Delivery
			peerID   sql.NullString
		)
		if err := rows.Scan(
			&delivery.ID,
			&peerID,
			&delivery.Name,
			&delivery.ContentType,
			&delivery.Size,
			&delivery.StoredPath,
			&delivery.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery row: %w", err)
		}
		delivery.PeerID = stringOrEmpty(peerID)
		deliveries = append(deliveries, delivery)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery rows: %w", err)
	}

	return deliveries, nil
}
