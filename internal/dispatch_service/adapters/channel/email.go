package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/core_domain"
)

// Header names carried on every outbound email so inbound feedback can be
// attributed (and authenticated) without a database round trip.
const (
	HeaderCorrelationToken = "X-Blastline-Token"
	HeaderSignature        = "X-Blastline-Signature"
	HeaderUnsubscribe      = "List-Unsubscribe"
)

// EmailMessage is the fully-built message handed to the transport.
type EmailMessage struct {
	From     string
	FromName string
	To       string
	Subject  string
	Body     string
	Headers  map[string]string
}

// EmailTransport is the opaque pooled SMTP-style submitter. Implementations
// own connection pooling and protocol details.
type EmailTransport interface {
	Submit(ctx context.Context, msg EmailMessage) error
}

// EmailChannel wraps a pooled email transport. Reachability is a no-op for
// email; bounces come back asynchronously instead.
type EmailChannel struct {
	transport    EmailTransport
	headerSecret []byte
	unsubSecret  []byte
	unsubBaseURL string
	logger       *slog.Logger
}

func NewEmailChannel(transport EmailTransport, headerSecret, unsubSecret []byte, unsubBaseURL string, logger *slog.Logger) *EmailChannel {
	return &EmailChannel{
		transport:    transport,
		headerSecret: headerSecret,
		unsubSecret:  unsubSecret,
		unsubBaseURL: unsubBaseURL,
		logger:       logger.With("component", "email_channel"),
	}
}

func (c *EmailChannel) CheckReachable(ctx context.Context, destination string) (bool, error) {
	return true, nil
}

// Send assigns the transport message id, signs the anti-tamper header over
// recipient + delivery-record id + transport message id, and submits.
func (c *EmailChannel) Send(ctx context.Context, req SendRequest) (string, error) {
	transportMessageID := uuid.NewString()

	headers := map[string]string{
		HeaderCorrelationToken: req.CorrelationToken,
		HeaderSignature:        SignDelivery(c.headerSecret, req.Destination, req.DeliveryRecordID.String(), transportMessageID),
	}

	unsubToken, err := c.unsubscribeToken(req)
	if err != nil {
		return "", fmt.Errorf("build unsubscribe token: %w", err)
	}
	headers[HeaderUnsubscribe] = fmt.Sprintf("<%s?token=%s>", c.unsubBaseURL, unsubToken)

	msg := EmailMessage{
		From:     req.FromAddress,
		FromName: req.FromName,
		To:       req.Destination,
		Subject:  req.Subject,
		Body:     req.Content,
		Headers:  headers,
	}
	if err := c.transport.Submit(ctx, msg); err != nil {
		return "", &TransportError{Err: err}
	}

	c.logger.DebugContext(ctx, "Email submitted", "transport_message_id", transportMessageID, "record_id", req.DeliveryRecordID)
	return transportMessageID, nil
}

// unsubscribeToken issues the signed opt-out token carried in the
// List-Unsubscribe header. The claims identify the delivery record and the
// hashed address, never the raw destination.
func (c *EmailChannel) unsubscribeToken(req SendRequest) (string, error) {
	claims := jwt.MapClaims{
		"rid": req.DeliveryRecordID.String(),
		"ah":  core_domain.HashAddress(core_domain.NormalizeDestination(req.Destination)),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.unsubSecret)
}

// SignDelivery computes the anti-tamper signature: HMAC-SHA256 over
// recipient, delivery-record id, and transport message id. The feedback
// webhook verifies the same construction.
func SignDelivery(secret []byte, destination, deliveryRecordID, transportMessageID string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%s", destination, deliveryRecordID, transportMessageID)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyDeliverySignature checks a signature produced by SignDelivery in
// constant time.
func VerifyDeliverySignature(secret []byte, destination, deliveryRecordID, transportMessageID, signature string) bool {
	expected := SignDelivery(secret, destination, deliveryRecordID, transportMessageID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
