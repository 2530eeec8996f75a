package domain

import (
	"errors"
	"fmt"
	"time"
)

// SessionState is one node of the per-session finite-state machine. The
// driver's callback soup is re-expressed as explicit transitions so state
// consumers never depend on callback ordering.
type SessionState string

const (
	StateInitializing   SessionState = "initializing"
	StateAwaitingScan   SessionState = "awaiting_scan"
	StateAuthenticating SessionState = "authenticating"
	StateConnected      SessionState = "connected"
	StateDisconnected   SessionState = "disconnected"
	StateAuthFailed     SessionState = "auth_failed"
)

// DriverEvent is an inbound event from the messaging driver.
type DriverEvent string

const (
	EventQRGenerated   DriverEvent = "qr_generated"
	EventScanDetected  DriverEvent = "scan_detected"
	EventAuthenticated DriverEvent = "authenticated"
	EventDisconnected  DriverEvent = "disconnected"
	EventAuthFailure   DriverEvent = "auth_failure"
)

var ErrInvalidTransition = errors.New("invalid session state transition")

// transitions is the full FSM. Anything not listed is invalid.
var transitions = map[SessionState]map[DriverEvent]SessionState{
	StateInitializing: {
		EventQRGenerated:   StateAwaitingScan,
		EventAuthenticated: StateConnected, // restored session, no scan needed
		EventDisconnected:  StateDisconnected,
		EventAuthFailure:   StateAuthFailed,
	},
	StateAwaitingScan: {
		EventScanDetected: StateAuthenticating,
		EventQRGenerated:  StateAwaitingScan, // QR refresh
		EventDisconnected: StateDisconnected,
		EventAuthFailure:  StateAuthFailed,
	},
	StateAuthenticating: {
		EventAuthenticated: StateConnected,
		EventAuthFailure:   StateAuthFailed,
		EventDisconnected:  StateDisconnected,
	},
	StateConnected: {
		EventDisconnected: StateDisconnected,
	},
	StateDisconnected: {
		EventQRGenerated:   StateAwaitingScan,
		EventAuthenticated: StateConnected,
	},
	StateAuthFailed: {
		EventQRGenerated: StateAwaitingScan,
	},
}

// Transition applies event to current. Returns ErrInvalidTransition for
// event/state pairs the FSM does not define.
func Transition(current SessionState, event DriverEvent) (SessionState, error) {
	if next, ok := transitions[current][event]; ok {
		return next, nil
	}
	return current, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, current)
}

// Session is one live messaging session owned by this worker.
type Session struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	QRPayload string       `json:"qr_payload,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CanSend reports whether the session accepts outbound sends.
func (s *Session) CanSend() bool {
	return s.State == StateConnected
}
