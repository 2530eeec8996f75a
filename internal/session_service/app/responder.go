package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
	"github.com/blastline/campaign-engine/internal/session_service/domain"
)

const responderQueueGroup = "session_worker"

// Subscriber is the broker surface the responder needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, queueGroup string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

// Responder answers the dispatcher's send and registration-check requests
// for the sessions this worker hosts.
type Responder struct {
	broker  Subscriber
	manager *Manager
	logger  *slog.Logger
}

func NewResponder(broker Subscriber, manager *Manager, logger *slog.Logger) *Responder {
	return &Responder{
		broker:  broker,
		manager: manager,
		logger:  logger.With("component", "session_responder"),
	}
}

// Start subscribes to the send and check subjects of every session this
// worker hosts. Subjects are per-session rather than a wildcard: with
// several workers in the queue group, a wildcard would route a request for
// session A to a worker hosting only session B.
func (r *Responder) Start(ctx context.Context) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	for _, sessionID := range r.manager.SessionIDs() {
		sessionID := sessionID

		sendSub, err := r.broker.Subscribe(ctx, messagebroker.SubjectSessionSendPrefix+sessionID, responderQueueGroup, func(msg *nats.Msg) {
			if err := msg.Respond(r.HandleSend(ctx, sessionID, msg.Data)); err != nil {
				r.logger.ErrorContext(ctx, "Failed to respond to send request", "error", err, "session_id", sessionID)
			}
		})
		if err != nil {
			return nil, err
		}
		subs = append(subs, sendSub)

		checkSub, err := r.broker.Subscribe(ctx, messagebroker.SubjectSessionCheckPrefix+sessionID, responderQueueGroup, func(msg *nats.Msg) {
			if err := msg.Respond(r.HandleCheck(ctx, sessionID, msg.Data)); err != nil {
				r.logger.ErrorContext(ctx, "Failed to respond to check request", "error", err, "session_id", sessionID)
			}
		})
		if err != nil {
			return nil, err
		}
		subs = append(subs, checkSub)
	}
	return subs, nil
}

// HandleSend executes one send request against the session's driver and
// returns the encoded response. Every failure mode yields a well-formed
// failed response so the requester's timeout never has to fire for business
// errors.
func (r *Responder) HandleSend(ctx context.Context, sessionID string, data []byte) []byte {
	var req messagebroker.SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return encodeSendResponse(messagebroker.SendResponse{State: "failed", Error: "malformed send request"})
	}

	session := r.manager.StateOf(sessionID)
	if session != domain.StateConnected {
		return encodeSendResponse(messagebroker.SendResponse{
			RequestID: req.RequestID, State: "failed",
			Error: "session not connected: " + string(session),
		})
	}
	driver, ok := r.manager.DriverOf(sessionID)
	if !ok {
		return encodeSendResponse(messagebroker.SendResponse{
			RequestID: req.RequestID, State: "failed", Error: "no driver for session",
		})
	}

	transportMessageID, err := driver.SendMessage(ctx, req.Destination, req.Content)
	if err != nil {
		r.logger.WarnContext(ctx, "Driver send failed", "error", err, "session_id", sessionID)
		return encodeSendResponse(messagebroker.SendResponse{
			RequestID: req.RequestID, State: "failed", Error: err.Error(),
		})
	}

	// The echo confirms network delivery downstream; the send response only
	// confirms the driver accepted the message.
	if err := r.manager.PublishEcho(ctx, sessionID, transportMessageID, req.Destination); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish echo", "error", err, "session_id", sessionID)
	}
	return encodeSendResponse(messagebroker.SendResponse{
		RequestID: req.RequestID, State: "sent", TransportMessageID: transportMessageID,
	})
}

// HandleCheck answers a registration check.
func (r *Responder) HandleCheck(ctx context.Context, sessionID string, data []byte) []byte {
	var req messagebroker.CheckRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return encodeCheckResponse(messagebroker.CheckResponse{Error: "malformed check request"})
	}
	driver, ok := r.manager.DriverOf(sessionID)
	if !ok {
		return encodeCheckResponse(messagebroker.CheckResponse{RequestID: req.RequestID, Error: "no driver for session"})
	}
	registered, err := driver.IsRegistered(ctx, req.Destination)
	if err != nil {
		return encodeCheckResponse(messagebroker.CheckResponse{RequestID: req.RequestID, Error: err.Error()})
	}
	return encodeCheckResponse(messagebroker.CheckResponse{RequestID: req.RequestID, Registered: registered})
}

func encodeSendResponse(resp messagebroker.SendResponse) []byte {
	data, _ := json.Marshal(resp)
	return data
}

func encodeCheckResponse(resp messagebroker.CheckResponse) []byte {
	data, _ := json.Marshal(resp)
	return data
}
