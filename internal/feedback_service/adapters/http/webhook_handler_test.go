package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/feedback_service/app"
	"github.com/blastline/campaign-engine/internal/feedback_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memEventsRepo struct {
	events []*domain.FeedbackEvent
}

func (m *memEventsRepo) Insert(_ context.Context, event *domain.FeedbackEvent) error {
	m.events = append(m.events, event)
	return nil
}

type memLookupRepo struct {
	byToken     map[string]uuid.UUID
	byMessageID map[string]uuid.UUID
	states      map[uuid.UUID]core_domain.DeliveryState
}

func (m *memLookupRepo) FindIDByCorrelationToken(_ context.Context, token string) (uuid.UUID, error) {
	if id, ok := m.byToken[token]; ok {
		return id, nil
	}
	return uuid.Nil, domain.ErrRecordNotFound
}

func (m *memLookupRepo) FindIDByTransportMessageID(_ context.Context, msgID string) (uuid.UUID, error) {
	if id, ok := m.byMessageID[msgID]; ok {
		return id, nil
	}
	return uuid.Nil, domain.ErrRecordNotFound
}

func (m *memLookupRepo) ApplyTerminalState(_ context.Context, recordID uuid.UUID, state core_domain.DeliveryState) (bool, error) {
	if m.states[recordID] == state {
		return false, nil
	}
	m.states[recordID] = state
	return true, nil
}

func (m *memLookupRepo) DestinationOf(context.Context, uuid.UUID) (string, error) {
	return "", domain.ErrRecordNotFound
}

type memSuppWriteRepo struct{}

func (memSuppWriteRepo) Upsert(context.Context, *core_domain.SuppressionEntry) (bool, error) {
	return true, nil
}

type memUnsubWriteRepo struct {
	entries []*core_domain.UnsubscribeEntry
}

func (m *memUnsubWriteRepo) Insert(_ context.Context, entry *core_domain.UnsubscribeEntry) (bool, error) {
	m.entries = append(m.entries, entry)
	return true, nil
}

type handlerHarness struct {
	handler *WebhookHandler
	lookup  *memLookupRepo
	events  *memEventsRepo
	unsubs  *memUnsubWriteRepo
	secret  []byte
	unsub   []byte
}

func newHandlerHarness() *handlerHarness {
	h := &handlerHarness{
		lookup: &memLookupRepo{
			byToken:     map[string]uuid.UUID{},
			byMessageID: map[string]uuid.UUID{},
			states:      map[uuid.UUID]core_domain.DeliveryState{},
		},
		events: &memEventsRepo{},
		unsubs: &memUnsubWriteRepo{},
		secret: []byte("webhook-secret"),
		unsub:  []byte("unsub-secret"),
	}
	reconciler := app.NewReconciler(h.events, h.lookup, memSuppWriteRepo{}, []byte("header-secret"), testLogger())
	h.handler = NewWebhookHandler(reconciler, h.unsubs, h.secret, h.unsub, testLogger())
	return h
}

func (h *handlerHarness) sign(body []byte) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *handlerHarness) post(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/email", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(HeaderWebhookSignature, signature)
	}
	rec := httptest.NewRecorder()
	h.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func envelopeBody(t *testing.T, envType, messageID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":      envType,
		"timestamp": time.Now().UTC(),
		"code":      "550",
		"message":   map[string]any{"messageId": messageID, "recipient": "bob@example.com"},
	})
	require.NoError(t, err)
	return body
}

func TestWebhook_InvalidSignatureRejectedBeforeBusinessLogic(t *testing.T) {
	h := newHandlerHarness()
	body := envelopeBody(t, "bounce", "msg-1")

	rec := h.post(t, body, "not-the-signature")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.events.events, "nothing reaches the reconciler")
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	h := newHandlerHarness()
	rec := h.post(t, envelopeBody(t, "bounce", "msg-1"), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_OversizedPayloadRejectedAsTooLarge(t *testing.T) {
	h := newHandlerHarness()
	body := bytes.Repeat([]byte("a"), maxWebhookBodyBytes+1)

	rec := h.post(t, body, h.sign(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, h.events.events)
}

func TestWebhook_MalformedPayloadIsClientError(t *testing.T) {
	h := newHandlerHarness()
	body := []byte(`{not json`)
	rec := h.post(t, body, h.sign(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_BounceIsReconciled(t *testing.T) {
	h := newHandlerHarness()
	recordID := uuid.New()
	h.lookup.byMessageID["msg-1"] = recordID
	h.lookup.states[recordID] = core_domain.DeliverySent

	body := envelopeBody(t, "bounce", "msg-1")
	rec := h.post(t, body, h.sign(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.events.events, 1)
	assert.Equal(t, core_domain.DeliveryBounced, h.lookup.states[recordID])
}

func TestWebhook_UnattributableEventStillSucceeds(t *testing.T) {
	h := newHandlerHarness()
	body := envelopeBody(t, "bounce", "unknown-msg")
	rec := h.post(t, body, h.sign(body))

	assert.Equal(t, http.StatusOK, rec.Code, "well-signed but unattributable is success at the transport level")
	assert.Empty(t, h.events.events)
}

func TestWebhook_UnhandledTypeIsAcknowledged(t *testing.T) {
	h := newHandlerHarness()
	body := envelopeBody(t, "open", "msg-1")
	rec := h.post(t, body, h.sign(body))

	assert.Equal(t, http.StatusOK, rec.Code, "provider must not retry unhandled types")
	assert.Empty(t, h.events.events)
}

func TestWebhook_SubscriptionNotificationRecordsOptOut(t *testing.T) {
	h := newHandlerHarness()
	body := envelopeBody(t, "subscription", "msg-1")
	rec := h.post(t, body, h.sign(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.unsubs.entries, 1)
	assert.Equal(t, core_domain.UnsubscribeGlobal, h.unsubs.entries[0].Scope)
	assert.Equal(t, core_domain.HashAddress("bob@example.com"), h.unsubs.entries[0].AddressHash)
}

func TestUnsubscribe_ValidTokenRecordsGlobalOptOut(t *testing.T) {
	h := newHandlerHarness()
	hash := core_domain.HashAddress("alice@example.com")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"rid": uuid.NewString(),
		"ah":  hash,
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString(h.unsub)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/unsubscribe?token="+signed, nil)
	rec := httptest.NewRecorder()
	h.handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.unsubs.entries, 1)
	assert.Equal(t, hash, h.unsubs.entries[0].AddressHash)
}

func TestUnsubscribe_ForgedTokenRejected(t *testing.T) {
	h := newHandlerHarness()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"ah": "x"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/unsubscribe?token="+signed, nil)
	rec := httptest.NewRecorder()
	h.handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.unsubs.entries)
}
