package domain

import (
	"time"
)

// Provider notification types as they appear on the wire. Anything else is
// acknowledged and ignored.
const (
	NotificationBounce       = "bounce"
	NotificationComplaint    = "complaint"
	NotificationDelivery     = "delivery"
	NotificationSubscription = "subscription"
)

// ProviderEnvelope is the provider's webhook notification envelope. The
// signature over the raw body is verified before this is decoded.
type ProviderEnvelope struct {
	Type        string          `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Code        string          `json:"code,omitempty"`
	Description string          `json:"description,omitempty"`
	Message     ProviderMessage `json:"message"`
}

// ProviderMessage carries what the provider knows about the original send,
// including the headers we stamped on the way out.
type ProviderMessage struct {
	TransportMessageID string            `json:"messageId"`
	Destination        string            `json:"recipient"`
	Headers            map[string]string `json:"headers,omitempty"`
}
