package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRecordNotFound is returned when no delivery record matches a lookup key.
var ErrRecordNotFound = errors.New("delivery record not found")

// FeedbackType classifies an inbound feedback event.
type FeedbackType string

const (
	FeedbackBounce    FeedbackType = "bounce"
	FeedbackComplaint FeedbackType = "complaint"
	FeedbackDelivery  FeedbackType = "delivery"
	// FeedbackEcho is the session channel's inbound message echo, treated as a
	// delivery confirmation.
	FeedbackEcho FeedbackType = "echo"
)

// MaxRawPayloadBytes caps the raw provider payload stored on the audit row.
const MaxRawPayloadBytes = 4096

// FeedbackEvent is one immutable audit row. Every inbound event gets its own
// row even when it changes nothing on the delivery record.
type FeedbackEvent struct {
	ID               uuid.UUID    `json:"id"`
	DeliveryRecordID uuid.UUID    `json:"delivery_record_id"`
	Type             FeedbackType `json:"type"`
	Code             string       `json:"code,omitempty"`
	Description      string       `json:"description,omitempty"`
	RawPayload       []byte       `json:"raw_payload,omitempty"`
	OccurredAt       time.Time    `json:"occurred_at"`
	CreatedAt        time.Time    `json:"created_at"`
}

// TruncateRawPayload enforces the storage size cap on provider payloads.
func TruncateRawPayload(payload []byte) []byte {
	if len(payload) <= MaxRawPayloadBytes {
		return payload
	}
	return payload[:MaxRawPayloadBytes]
}
