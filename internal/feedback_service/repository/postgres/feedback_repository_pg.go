package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/feedback_service/domain"
	"github.com/blastline/campaign-engine/internal/feedback_service/repository"
)

type PgFeedbackEventRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgFeedbackEventRepository(db DB, logger *slog.Logger) repository.FeedbackEventRepository {
	return &PgFeedbackEventRepository{db: db, logger: logger.With("component", "feedback_event_repository_pg")}
}

func (r *PgFeedbackEventRepository) Insert(ctx context.Context, event *domain.FeedbackEvent) error {
	query := `
		INSERT INTO feedback_events (id, delivery_record_id, type, code, description, raw_payload, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		event.ID, event.DeliveryRecordID, event.Type, event.Code, event.Description,
		domain.TruncateRawPayload(event.RawPayload), event.OccurredAt, event.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting feedback event", "error", err, "record_id", event.DeliveryRecordID, "type", event.Type)
		return fmt.Errorf("insert feedback event: %w", err)
	}
	return nil
}

type PgDeliveryLookupRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgDeliveryLookupRepository(db DB, logger *slog.Logger) repository.DeliveryLookupRepository {
	return &PgDeliveryLookupRepository{db: db, logger: logger.With("component", "delivery_lookup_repository_pg")}
}

func (r *PgDeliveryLookupRepository) FindIDByCorrelationToken(ctx context.Context, token string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`SELECT id FROM delivery_records WHERE correlation_token = $1`, token).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, domain.ErrRecordNotFound
		}
		return uuid.Nil, fmt.Errorf("lookup by correlation token: %w", err)
	}
	return id, nil
}

func (r *PgDeliveryLookupRepository) FindIDByTransportMessageID(ctx context.Context, transportMessageID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`SELECT id FROM delivery_records WHERE transport_message_id = $1`, transportMessageID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, domain.ErrRecordNotFound
		}
		return uuid.Nil, fmt.Errorf("lookup by transport message id: %w", err)
	}
	return id, nil
}

// ApplyTerminalState sets the state only when it differs, so replaying the
// same event changes nothing after the first application.
func (r *PgDeliveryLookupRepository) ApplyTerminalState(ctx context.Context, recordID uuid.UUID, state core_domain.DeliveryState) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE delivery_records
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status <> $2`,
		recordID, state, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("apply terminal state %s to record %s: %w", state, recordID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgDeliveryLookupRepository) DestinationOf(ctx context.Context, recordID uuid.UUID) (string, error) {
	var destination string
	err := r.db.QueryRow(ctx, `
		SELECT rec.destination
		FROM delivery_records dr
		JOIN recipients rec ON rec.id = dr.recipient_id
		WHERE dr.id = $1`, recordID).Scan(&destination)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrRecordNotFound
		}
		return "", fmt.Errorf("lookup destination of record %s: %w", recordID, err)
	}
	return destination, nil
}
