package core_domain

import (
	"time"

	"github.com/google/uuid"
)

// SuppressionReason enumerates why a destination was suppressed.
type SuppressionReason string

const (
	SuppressionHardBounce SuppressionReason = "hard_bounce"
	SuppressionComplaint  SuppressionReason = "complaint"
)

// SuppressionEntry marks a destination ineligible due to a prior hard
// failure. Written only by the feedback reconciler, read only by the
// eligibility resolver.
type SuppressionEntry struct {
	ID          uuid.UUID         `json:"id"`
	Destination string            `json:"destination"` // normalized
	Reason      SuppressionReason `json:"reason"`
	SourceEvent string            `json:"source_event"`
	CreatedAt   time.Time         `json:"created_at"`
}

// UnsubscribeScope bounds an opt-out to one campaign or to everything.
type UnsubscribeScope string

const (
	UnsubscribeGlobal   UnsubscribeScope = "global"
	UnsubscribeCampaign UnsubscribeScope = "campaign"
)

// UnsubscribeEntry is an explicit recipient opt-out, keyed by a one-way hash
// of the normalized destination so the raw address is never stored.
type UnsubscribeEntry struct {
	ID          uuid.UUID        `json:"id"`
	AddressHash string           `json:"address_hash"`
	Scope       UnsubscribeScope `json:"scope"`
	CampaignID  *uuid.UUID       `json:"campaign_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
