// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"time"
)

// DedupRecord represents an inbound delivery deduplication record.
type DedupRecord struct {
	DeliveryID  string     `json:"delivery_id"`
	PhoneNumber string     `json:"phone_number"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound delivery deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a delivery ID has already been seen.
	IsDuplicate(deliveryID string) (bool, error)

	// RecordInbound inserts a new inbound delivery record. Returns false only
	// if the delivery was already recorded AND fully processed; a record left
	// without processed_at (a turn that died mid-flight) stays retryable.
	RecordInbound(deliveryID, phoneNumber string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a delivery.
	MarkProcessed(deliveryID string) error
}
