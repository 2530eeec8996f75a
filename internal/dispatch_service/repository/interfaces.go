package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/domain"
)

// CampaignRepository loads campaigns and applies the state transitions the
// dispatch engine owns.
type CampaignRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error
	// SetQueueJobID records the durable-queue job backing this campaign so the
	// job-id invariant can be audited.
	SetQueueJobID(ctx context.Context, id uuid.UUID, jobID string) error
	TemplateExists(ctx context.Context, id uuid.UUID) (bool, error)
	AccountExists(ctx context.Context, id uuid.UUID) (bool, error)
}

type RecipientRepository interface {
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*domain.Recipient, error)
}

// ExistingRecord is a prior delivery record as seen by a job re-run: a
// terminal state means the recipient is settled, a pending row is resumed
// rather than duplicated.
type ExistingRecord struct {
	RecordID uuid.UUID
	Status   core_domain.DeliveryState
}

// DeliveryRecordRepository persists per-recipient outcomes. Records are
// created before the transport call so a crash mid-send leaves an auditable
// pending row.
type DeliveryRecordRepository interface {
	Create(ctx context.Context, record *core_domain.DeliveryRecord) error
	// ExistingByRecipient returns the existing record per recipient id for a
	// campaign; used to make job re-runs idempotent.
	ExistingByRecipient(ctx context.Context, campaignID uuid.UUID) (map[uuid.UUID]ExistingRecord, error)
	// EnsureCorrelationToken persists candidate as the record's correlation
	// token only when none exists yet, and returns the token now on the
	// record. A token is generated once and never regenerated.
	EnsureCorrelationToken(ctx context.Context, recordID uuid.UUID, candidate string) (string, error)
	MarkSent(ctx context.Context, recordID uuid.UUID, transportMessageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, recordID uuid.UUID, errorDetail string) error
}

// SuppressionReadRepository is the eligibility resolver's batched view onto
// the suppression list.
type SuppressionReadRepository interface {
	// FindByDestinations returns the suppression reason per normalized
	// destination for every destination present in the list. One query per
	// call regardless of input size.
	FindByDestinations(ctx context.Context, destinations []string) (map[string]core_domain.SuppressionReason, error)
}

// UnsubscribeReadRepository is the eligibility resolver's batched view onto
// opt-outs.
type UnsubscribeReadRepository interface {
	// FindByHashes returns the set of address hashes with a global opt-out or
	// one scoped to campaignID. One query per call regardless of input size.
	FindByHashes(ctx context.Context, hashes []string, campaignID uuid.UUID) (map[string]struct{}, error)
}
