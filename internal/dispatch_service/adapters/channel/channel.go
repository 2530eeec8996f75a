// Package channel provides the uniform send interface the dispatch engine
// uses over the concrete transports: pooled SMTP-style email submission and
// session-based messaging reached over a request/response pub/sub exchange.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotConnected means the session backing the channel is absent or not
	// in a connected state. Treated as per-recipient denial, never retried.
	ErrNotConnected = errors.New("channel: session not connected")

	// ErrSendTimeout means no response arrived within the bounded wait.
	ErrSendTimeout = errors.New("channel: send timed out")

	// ErrUnreachable means the destination failed the reachability check.
	ErrUnreachable = errors.New("channel: destination not reachable")
)

// TransportError wraps a failure reported by the underlying transport.
// Always per-recipient-recoverable: the record goes to failed, the batch
// continues.
type TransportError struct {
	Code string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transport error (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendRequest carries everything a channel needs for one send, including the
// correlation context embedded into outbound content.
type SendRequest struct {
	DeliveryRecordID uuid.UUID
	CorrelationToken string
	Destination      string
	Content          string

	// Email channel fields.
	Subject     string
	FromAddress string
	FromName    string

	// Session channel field.
	SessionID string
}

// Channel is the capability set every transport variant implements.
type Channel interface {
	// CheckReachable reports whether the destination can receive messages.
	CheckReachable(ctx context.Context, destination string) (bool, error)
	// Send dispatches one message and returns the transport message id.
	Send(ctx context.Context, req SendRequest) (string, error)
}
