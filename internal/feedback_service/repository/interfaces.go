package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/feedback_service/domain"
)

// FeedbackEventRepository appends immutable audit rows.
type FeedbackEventRepository interface {
	Insert(ctx context.Context, event *domain.FeedbackEvent) error
}

// DeliveryLookupRepository resolves and settles delivery records from the
// feedback side.
type DeliveryLookupRepository interface {
	// FindIDByCorrelationToken returns domain.ErrRecordNotFound when the token
	// matches nothing.
	FindIDByCorrelationToken(ctx context.Context, token string) (uuid.UUID, error)
	FindIDByTransportMessageID(ctx context.Context, transportMessageID string) (uuid.UUID, error)
	// ApplyTerminalState sets the record's state and reports whether anything
	// changed. Re-applying the same state is a no-op, which makes repeated
	// identical events idempotent at the record level.
	ApplyTerminalState(ctx context.Context, recordID uuid.UUID, state core_domain.DeliveryState) (bool, error)
	// DestinationOf returns the recipient destination behind a record, used to
	// feed the suppression store.
	DestinationOf(ctx context.Context, recordID uuid.UUID) (string, error)
}

// SuppressionWriteRepository feeds bounce/complaint outcomes back into the
// eligibility store.
type SuppressionWriteRepository interface {
	// Upsert inserts the entry unless the destination is already suppressed.
	// Reports whether a new row was written.
	Upsert(ctx context.Context, entry *core_domain.SuppressionEntry) (bool, error)
}

// UnsubscribeWriteRepository records explicit opt-outs.
type UnsubscribeWriteRepository interface {
	Insert(ctx context.Context, entry *core_domain.UnsubscribeEntry) (bool, error)
}
