package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/adapters/channel"
	"github.com/blastline/campaign-engine/internal/feedback_service/domain"
	"github.com/blastline/campaign-engine/internal/feedback_service/repository"
)

// InboundEvent is a provider- and channel-agnostic feedback event after
// boundary validation.
type InboundEvent struct {
	Type               domain.FeedbackType
	CorrelationToken   string
	TransportMessageID string
	Destination        string
	HeaderSignature    string // anti-tamper signature carried back by the provider, optional
	Code               string
	Description        string
	RawPayload         []byte
	OccurredAt         time.Time
}

// Reconciler attributes inbound feedback to delivery records, appends the
// audit trail, settles terminal states, and feeds bounces/complaints back
// into the suppression store.
type Reconciler struct {
	events       repository.FeedbackEventRepository
	records      repository.DeliveryLookupRepository
	suppressions repository.SuppressionWriteRepository
	headerSecret []byte
	logger       *slog.Logger
}

func NewReconciler(
	events repository.FeedbackEventRepository,
	records repository.DeliveryLookupRepository,
	suppressions repository.SuppressionWriteRepository,
	headerSecret []byte,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		events:       events,
		records:      records,
		suppressions: suppressions,
		headerSecret: headerSecret,
		logger:       logger.With("service", "feedback_reconciler"),
	}
}

// Reconcile processes one inbound event. An unattributable event is logged
// and dropped, never an error; only storage failures propagate.
func (r *Reconciler) Reconcile(ctx context.Context, ev InboundEvent) error {
	recordID, ok, err := r.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.InfoContext(ctx, "Dropping unattributable feedback event",
			"type", ev.Type, "transport_message_id", ev.TransportMessageID)
		feedbackEventsCounter.WithLabelValues(string(ev.Type), "unattributable").Inc()
		return nil
	}

	// The provider carries back the signature we stamped at send time; a
	// mismatch means the attribution fields were tampered with in transit.
	if ev.HeaderSignature != "" && ev.TransportMessageID != "" {
		if !channel.VerifyDeliverySignature(r.headerSecret, ev.Destination, recordID.String(), ev.TransportMessageID, ev.HeaderSignature) {
			r.logger.WarnContext(ctx, "Dropping feedback event with invalid delivery signature",
				"type", ev.Type, "record_id", recordID)
			feedbackEventsCounter.WithLabelValues(string(ev.Type), "tampered").Inc()
			return nil
		}
	}

	// Every event gets its own audit row, even duplicates.
	now := time.Now().UTC()
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	if err := r.events.Insert(ctx, &domain.FeedbackEvent{
		ID:               uuid.New(),
		DeliveryRecordID: recordID,
		Type:             ev.Type,
		Code:             ev.Code,
		Description:      ev.Description,
		RawPayload:       ev.RawPayload,
		OccurredAt:       occurredAt,
		CreatedAt:        now,
	}); err != nil {
		return err
	}

	applied, err := r.records.ApplyTerminalState(ctx, recordID, terminalStateFor(ev.Type))
	if err != nil {
		return err
	}
	outcome := "applied"
	if !applied {
		outcome = "duplicate"
	}
	feedbackEventsCounter.WithLabelValues(string(ev.Type), outcome).Inc()

	if ev.Type == domain.FeedbackBounce || ev.Type == domain.FeedbackComplaint {
		if err := r.suppress(ctx, recordID, ev); err != nil {
			return err
		}
	}

	r.logger.InfoContext(ctx, "Feedback event reconciled",
		"type", ev.Type, "record_id", recordID, "outcome", outcome)
	return nil
}

// resolve attributes the event: embedded correlation token first, transport
// message id as fallback.
func (r *Reconciler) resolve(ctx context.Context, ev InboundEvent) (uuid.UUID, bool, error) {
	if ev.CorrelationToken != "" {
		id, err := r.records.FindIDByCorrelationToken(ctx, ev.CorrelationToken)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, domain.ErrRecordNotFound) {
			return uuid.Nil, false, err
		}
	}
	if ev.TransportMessageID != "" {
		id, err := r.records.FindIDByTransportMessageID(ctx, ev.TransportMessageID)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, domain.ErrRecordNotFound) {
			return uuid.Nil, false, err
		}
	}
	return uuid.Nil, false, nil
}

func (r *Reconciler) suppress(ctx context.Context, recordID uuid.UUID, ev InboundEvent) error {
	destination := ev.Destination
	if destination == "" {
		var err error
		destination, err = r.records.DestinationOf(ctx, recordID)
		if err != nil {
			if errors.Is(err, domain.ErrRecordNotFound) {
				return nil
			}
			return err
		}
	}

	reason := core_domain.SuppressionHardBounce
	if ev.Type == domain.FeedbackComplaint {
		reason = core_domain.SuppressionComplaint
	}
	written, err := r.suppressions.Upsert(ctx, &core_domain.SuppressionEntry{
		ID:          uuid.New(),
		Destination: core_domain.NormalizeDestination(destination),
		Reason:      reason,
		SourceEvent: fmt.Sprintf("%s:%s", ev.Type, ev.Code),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if written {
		suppressionsWrittenCounter.WithLabelValues(string(reason)).Inc()
	}
	return nil
}

func terminalStateFor(t domain.FeedbackType) core_domain.DeliveryState {
	switch t {
	case domain.FeedbackBounce:
		return core_domain.DeliveryBounced
	case domain.FeedbackComplaint:
		return core_domain.DeliveryComplaint
	default:
		return core_domain.DeliveryDelivered
	}
}
