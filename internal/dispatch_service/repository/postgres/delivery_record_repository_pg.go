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
	"github.com/blastline/campaign-engine/internal/dispatch_service/domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/repository"
)

type PgDeliveryRecordRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgDeliveryRecordRepository(db DB, logger *slog.Logger) repository.DeliveryRecordRepository {
	return &PgDeliveryRecordRepository{db: db, logger: logger.With("component", "delivery_record_repository_pg")}
}

func (r *PgDeliveryRecordRepository) Create(ctx context.Context, record *core_domain.DeliveryRecord) error {
	query := `
		INSERT INTO delivery_records (id, campaign_id, recipient_id, status, correlation_token, content, transport_message_id, error_detail, created_at, sent_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $9)
	`
	_, err := r.db.Exec(ctx, query,
		record.ID, record.CampaignID, record.RecipientID, record.Status, record.CorrelationToken,
		record.Content, record.TransportMessageID, record.ErrorDetail, record.CreatedAt, record.SentAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating delivery record", "error", err, "record_id", record.ID, "recipient_id", record.RecipientID)
		return fmt.Errorf("create delivery record: %w", err)
	}
	return nil
}

func (r *PgDeliveryRecordRepository) ExistingByRecipient(ctx context.Context, campaignID uuid.UUID) (map[uuid.UUID]repository.ExistingRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT recipient_id, id, status FROM delivery_records WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list delivery records for campaign %s: %w", campaignID, err)
	}
	defer rows.Close()

	existing := make(map[uuid.UUID]repository.ExistingRecord)
	for rows.Next() {
		var recipientID uuid.UUID
		var record repository.ExistingRecord
		if err := rows.Scan(&recipientID, &record.RecordID, &record.Status); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		existing[recipientID] = record
	}
	return existing, rows.Err()
}

// EnsureCorrelationToken sets candidate only when the record has no token yet.
// COALESCE keeps whatever token was persisted first, so retries never
// regenerate it.
func (r *PgDeliveryRecordRepository) EnsureCorrelationToken(ctx context.Context, recordID uuid.UUID, candidate string) (string, error) {
	query := `
		UPDATE delivery_records
		SET correlation_token = COALESCE(correlation_token, $2), updated_at = $3
		WHERE id = $1
		RETURNING correlation_token
	`
	var token string
	err := r.db.QueryRow(ctx, query, recordID, candidate, time.Now().UTC()).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("ensure correlation token for %s: %w", recordID, err)
	}
	return token, nil
}

func (r *PgDeliveryRecordRepository) MarkSent(ctx context.Context, recordID uuid.UUID, transportMessageID string, sentAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE delivery_records
		SET status = $1, transport_message_id = $2, sent_at = $3, error_detail = NULL, updated_at = $4
		WHERE id = $5`,
		core_domain.DeliverySent, transportMessageID, sentAt, time.Now().UTC(), recordID)
	if err != nil {
		return fmt.Errorf("mark delivery record %s sent: %w", recordID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgDeliveryRecordRepository) MarkFailed(ctx context.Context, recordID uuid.UUID, errorDetail string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE delivery_records
		SET status = $1, error_detail = $2, updated_at = $3
		WHERE id = $4`,
		core_domain.DeliveryFailed, errorDetail, time.Now().UTC(), recordID)
	if err != nil {
		return fmt.Errorf("mark delivery record %s failed: %w", recordID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
