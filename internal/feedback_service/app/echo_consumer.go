package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/blastline/campaign-engine/internal/feedback_service/domain"
	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
)

const echoQueueGroup = "feedback_service_echo"

// Subscriber is the broker surface the consumer needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, queueGroup string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

// EchoConsumer turns the session channel's inbound message echoes into
// delivery confirmations.
type EchoConsumer struct {
	broker     Subscriber
	reconciler *Reconciler
	logger     *slog.Logger
}

func NewEchoConsumer(broker Subscriber, reconciler *Reconciler, logger *slog.Logger) *EchoConsumer {
	return &EchoConsumer{
		broker:     broker,
		reconciler: reconciler,
		logger:     logger.With("component", "echo_consumer"),
	}
}

func (c *EchoConsumer) Start(ctx context.Context) (*nats.Subscription, error) {
	return c.broker.Subscribe(ctx, messagebroker.SubjectSessionEcho, echoQueueGroup, func(msg *nats.Msg) {
		var echo messagebroker.EchoEvent
		if err := json.Unmarshal(msg.Data, &echo); err != nil {
			c.logger.ErrorContext(ctx, "Failed to decode echo event, dropping", "error", err)
			return
		}
		if err := c.reconciler.Reconcile(ctx, InboundEvent{
			Type:               domain.FeedbackEcho,
			TransportMessageID: echo.TransportMessageID,
			Destination:        echo.Destination,
			RawPayload:         msg.Data,
			OccurredAt:         time.Now().UTC(),
		}); err != nil {
			c.logger.ErrorContext(ctx, "Failed to reconcile echo event",
				"error", err, "transport_message_id", echo.TransportMessageID)
		}
	})
}
