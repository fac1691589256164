package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements DedupRepo.
var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) IsDuplicate(deliveryID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT delivery_id FROM inbound_dedup WHERE delivery_id = $1`, deliveryID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RecordInbound(deliveryID, phoneNumber string) (bool, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (delivery_id, phone_number, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (delivery_id) DO NOTHING`,
		deliveryID, phoneNumber, now,
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	// The record already exists; only a processed one counts as a duplicate.
	// An unfinished earlier attempt leaves the redelivery retryable.
	var processed sql.NullTime
	err = s.db.QueryRow(`SELECT processed_at FROM inbound_dedup WHERE delivery_id = $1`, deliveryID).Scan(&processed)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return !processed.Valid, nil
}

func (s *PostgresStore) MarkProcessed(deliveryID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = $1 WHERE delivery_id = $2`,
		now, deliveryID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
