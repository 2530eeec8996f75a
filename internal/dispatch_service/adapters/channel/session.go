package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
)

// Requester performs a bounded request/response exchange over the broker.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// SessionStateReader reports the connection state of a session, which may be
// hosted in a different process than the dispatch worker.
type SessionStateReader interface {
	State(ctx context.Context, sessionID string) (string, error)
}

// SessionChannel sends through a live messaging session hosted by the
// session worker. Each send is a single bounded-wait RPC over pub/sub: one
// attempt, no retry, ErrSendTimeout if no response arrives in time.
type SessionChannel struct {
	requester Requester
	states    SessionStateReader
	timeout   time.Duration
	logger    *slog.Logger
}

func NewSessionChannel(requester Requester, states SessionStateReader, timeout time.Duration, logger *slog.Logger) *SessionChannel {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &SessionChannel{
		requester: requester,
		states:    states,
		timeout:   timeout,
		logger:    logger.With("component", "session_channel"),
	}
}

// requireConnected fails fast when the session is absent or not connected.
func (c *SessionChannel) requireConnected(ctx context.Context, sessionID string) error {
	state, err := c.states.State(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read session state for %s: %w", sessionID, err)
	}
	if state != "connected" {
		return fmt.Errorf("%w: session %s is %q", ErrNotConnected, sessionID, state)
	}
	return nil
}

// CheckReachable asks the session worker whether the destination is
// registered on the network. The session id travels in the request context
// via Send; for a bare reachability probe the caller passes it through the
// destination-bound request below.
func (c *SessionChannel) CheckReachable(ctx context.Context, destination string) (bool, error) {
	// Reachability for the session channel is checked inside Send, where the
	// session id is known. A standalone destination probe has no session to
	// ask, so report reachable and let Send decide.
	return true, nil
}

func (c *SessionChannel) Send(ctx context.Context, req SendRequest) (string, error) {
	if err := c.requireConnected(ctx, req.SessionID); err != nil {
		return "", err
	}

	reachable, err := c.checkRegistered(ctx, req.SessionID, req.Destination)
	if err != nil {
		return "", err
	}
	if !reachable {
		return "", fmt.Errorf("%w: %s", ErrUnreachable, req.Destination)
	}

	payload := messagebroker.SendRequest{
		SessionID:   req.SessionID,
		Destination: req.Destination,
		Content:     req.Content,
		RequestID:   uuid.NewString(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	respData, err := c.requester.Request(reqCtx, messagebroker.SubjectSessionSendPrefix+req.SessionID, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return "", fmt.Errorf("%w: session %s did not respond within %s", ErrSendTimeout, req.SessionID, c.timeout)
		}
		return "", &TransportError{Err: err}
	}

	var resp messagebroker.SendResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		return "", &TransportError{Err: fmt.Errorf("decode send response: %w", err)}
	}
	if resp.State != "sent" {
		return "", &TransportError{Code: resp.State, Err: errors.New(resp.Error)}
	}

	c.logger.DebugContext(ctx, "Session send acknowledged",
		"session_id", req.SessionID, "request_id", payload.RequestID, "transport_message_id", resp.TransportMessageID)
	return resp.TransportMessageID, nil
}

func (c *SessionChannel) checkRegistered(ctx context.Context, sessionID, destination string) (bool, error) {
	payload := messagebroker.CheckRequest{
		SessionID:   sessionID,
		Destination: destination,
		RequestID:   uuid.NewString(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal check request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	respData, err := c.requester.Request(reqCtx, messagebroker.SubjectSessionCheckPrefix+sessionID, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return false, fmt.Errorf("%w: registration check for session %s", ErrSendTimeout, sessionID)
		}
		return false, &TransportError{Err: err}
	}

	var resp messagebroker.CheckResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		return false, &TransportError{Err: fmt.Errorf("decode check response: %w", err)}
	}
	if resp.Error != "" {
		return false, &TransportError{Err: errors.New(resp.Error)}
	}
	return resp.Registered, nil
}

// RedisSessionStateReader reads the session state mirror maintained by the
// session worker.
type RedisSessionStateReader struct {
	client *redis.Client
}

func NewRedisSessionStateReader(client *redis.Client) *RedisSessionStateReader {
	return &RedisSessionStateReader{client: client}
}

// SessionStateKey is the redis key holding a session's connection state.
func SessionStateKey(sessionID string) string {
	return "sessions:state:" + sessionID
}

func (r *RedisSessionStateReader) State(ctx context.Context, sessionID string) (string, error) {
	state, err := r.client.Get(ctx, SessionStateKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "absent", nil
	}
	if err != nil {
		return "", err
	}
	return state, nil
}
