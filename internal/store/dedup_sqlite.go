package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *SQLiteStore) IsDuplicate(deliveryID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT delivery_id FROM inbound_dedup WHERE delivery_id = ?`, deliveryID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) RecordInbound(deliveryID, phoneNumber string) (bool, error) {
	var processed sql.NullTime
	err := s.db.QueryRow(`SELECT processed_at FROM inbound_dedup WHERE delivery_id = ?`, deliveryID).Scan(&processed)
	switch {
	case err == sql.ErrNoRows:
		now := time.Now()
		_, err = s.db.Exec(
			`INSERT OR IGNORE INTO inbound_dedup (delivery_id, phone_number, received_at) VALUES (?, ?, ?)`,
			deliveryID, phoneNumber, now,
		)
		if err != nil {
			return false, fmt.Errorf("record inbound failed: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("record inbound failed: %w", err)
	case processed.Valid:
		return false, nil
	default:
		// Recorded but never marked processed: the earlier attempt died
		// mid-turn, so the transport's redelivery gets another run.
		return true, nil
	}
}

func (s *SQLiteStore) MarkProcessed(deliveryID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = ? WHERE delivery_id = ?`,
		now, deliveryID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
