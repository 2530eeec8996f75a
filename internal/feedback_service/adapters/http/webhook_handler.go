package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/adapters/channel"
	"github.com/blastline/campaign-engine/internal/feedback_service/app"
	"github.com/blastline/campaign-engine/internal/feedback_service/domain"
	"github.com/blastline/campaign-engine/internal/feedback_service/repository"
)

// HeaderWebhookSignature carries the provider's HMAC over the raw body.
const HeaderWebhookSignature = "X-Webhook-Signature"

const maxWebhookBodyBytes = 1 << 20

// WebhookHandler is the inbound boundary: it authenticates and validates
// provider notifications before anything reaches the reconciler, and serves
// the signed unsubscribe links stamped on outbound mail.
type WebhookHandler struct {
	reconciler    *app.Reconciler
	unsubscribes  repository.UnsubscribeWriteRepository
	webhookSecret []byte
	unsubSecret   []byte
	logger        *slog.Logger
}

func NewWebhookHandler(
	reconciler *app.Reconciler,
	unsubscribes repository.UnsubscribeWriteRepository,
	webhookSecret, unsubSecret []byte,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		reconciler:    reconciler,
		unsubscribes:  unsubscribes,
		webhookSecret: webhookSecret,
		unsubSecret:   unsubSecret,
		logger:        logger.With("component", "webhook_handler"),
	}
}

func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/webhooks/email", h.handleEmailWebhook)
	r.Get("/unsubscribe", h.handleUnsubscribe)
	r.Post("/unsubscribe", h.handleUnsubscribe)
	return r
}

// handleEmailWebhook responds with a transport-level code distinct from the
// business outcome: bad signature and malformed payload are client errors;
// a well-formed event we choose not to handle is still a success so the
// provider does not retry it.
func (h *WebhookHandler) handleEmailWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get(HeaderWebhookSignature)) {
		h.logger.WarnContext(ctx, "Rejected webhook with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var envelope domain.ProviderEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.logger.WarnContext(ctx, "Rejected malformed webhook payload", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	var feedbackType domain.FeedbackType
	switch envelope.Type {
	case domain.NotificationBounce:
		feedbackType = domain.FeedbackBounce
	case domain.NotificationComplaint:
		feedbackType = domain.FeedbackComplaint
	case domain.NotificationDelivery:
		feedbackType = domain.FeedbackDelivery
	case domain.NotificationSubscription:
		h.handleSubscriptionNotification(w, r, &envelope)
		return
	default:
		// Unhandled but well-signed and well-formed: acknowledge so the
		// provider stops redelivering.
		h.logger.InfoContext(ctx, "Acknowledging unhandled notification type", "type", envelope.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	err = h.reconciler.Reconcile(ctx, app.InboundEvent{
		Type:               feedbackType,
		CorrelationToken:   envelope.Message.Headers[channel.HeaderCorrelationToken],
		TransportMessageID: envelope.Message.TransportMessageID,
		Destination:        envelope.Message.Destination,
		HeaderSignature:    envelope.Message.Headers[channel.HeaderSignature],
		Code:               envelope.Code,
		Description:        envelope.Description,
		RawPayload:         body,
		OccurredAt:         envelope.Timestamp,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to reconcile webhook event", "error", err, "type", envelope.Type)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSubscriptionNotification records a provider-reported list-unsubscribe
// as a global opt-out for the reported address.
func (h *WebhookHandler) handleSubscriptionNotification(w http.ResponseWriter, r *http.Request, envelope *domain.ProviderEnvelope) {
	ctx := r.Context()
	if envelope.Message.Destination == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, err := h.unsubscribes.Insert(ctx, &core_domain.UnsubscribeEntry{
		ID:          uuid.New(),
		AddressHash: core_domain.HashAddress(core_domain.NormalizeDestination(envelope.Message.Destination)),
		Scope:       core_domain.UnsubscribeGlobal,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to record subscription opt-out", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleUnsubscribe serves the signed links from the List-Unsubscribe
// header. The token identifies the hashed address, never the raw one.
func (h *WebhookHandler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.unsubSecret, nil
	})
	if err != nil {
		h.logger.WarnContext(ctx, "Rejected unsubscribe with invalid token", "error", err)
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}
	addressHash, ok := claims["ah"].(string)
	if !ok || addressHash == "" {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}

	_, err = h.unsubscribes.Insert(ctx, &core_domain.UnsubscribeEntry{
		ID:          uuid.New(),
		AddressHash: addressHash,
		Scope:       core_domain.UnsubscribeGlobal,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to record unsubscribe", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "You have been unsubscribed.")
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
