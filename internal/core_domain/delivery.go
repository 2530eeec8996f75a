// Package core_domain holds the types shared between the dispatch engine,
// which creates delivery records, and the feedback reconciler, which later
// mutates them from asynchronous provider events.
package core_domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState defines the lifecycle of one per-recipient send attempt.
type DeliveryState string

const (
	DeliveryPending             DeliveryState = "pending"
	DeliverySent                DeliveryState = "sent"
	DeliveryFailed              DeliveryState = "failed"
	DeliverySkippedUnsubscribed DeliveryState = "skipped_unsubscribed"
	DeliverySkippedSuppressed   DeliveryState = "skipped_suppressed"

	// Terminal states applied by the feedback reconciler.
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryBounced   DeliveryState = "bounced"
	DeliveryComplaint DeliveryState = "complaint"
)

// IsTerminal reports whether a record in this state was already settled by
// the dispatch engine; such records are skipped when a job is re-run.
func (s DeliveryState) IsTerminal() bool {
	return s != DeliveryPending
}

// DeliveryRecord is the auditable per-(campaign, recipient) outcome row.
// Exactly one exists per recipient once its campaign has been dispatched.
// Records are never deleted; campaigns are archived instead.
type DeliveryRecord struct {
	ID                 uuid.UUID     `json:"id"`
	CampaignID         uuid.UUID     `json:"campaign_id"`
	RecipientID        uuid.UUID     `json:"recipient_id"`
	Status             DeliveryState `json:"status"`
	CorrelationToken   *string       `json:"correlation_token,omitempty"`
	Content            string        `json:"content"`
	TransportMessageID *string       `json:"transport_message_id,omitempty"`
	ErrorDetail        *string       `json:"error_detail,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	SentAt             *time.Time    `json:"sent_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}
