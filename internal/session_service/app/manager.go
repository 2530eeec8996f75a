package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
	"github.com/blastline/campaign-engine/internal/session_service/domain"
)

// Driver is the messaging client behind one live session.
type Driver interface {
	SendMessage(ctx context.Context, destination, content string) (string, error)
	IsRegistered(ctx context.Context, destination string) (bool, error)
}

// StateWriter mirrors session state into the shared store the dispatcher
// reads before attempting a send.
type StateWriter interface {
	WriteState(ctx context.Context, sessionID, state string) error
}

// Publisher publishes session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Manager owns the per-session FSMs of this worker. Driver callbacks feed
// ApplyDriverEvent; everything downstream sees only explicit state
// transitions.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.Session
	drivers   map[string]Driver
	state     StateWriter
	publisher Publisher
	logger    *slog.Logger
}

func NewManager(state StateWriter, publisher Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*domain.Session),
		drivers:   make(map[string]Driver),
		state:     state,
		publisher: publisher,
		logger:    logger.With("service", "session_manager"),
	}
}

// Register adds a session in the initializing state and announces it.
func (m *Manager) Register(ctx context.Context, sessionID string, driver Driver) error {
	m.mu.Lock()
	session := &domain.Session{
		ID:        sessionID,
		State:     domain.StateInitializing,
		UpdatedAt: time.Now().UTC(),
	}
	m.sessions[sessionID] = session
	m.drivers[sessionID] = driver
	m.mu.Unlock()

	return m.announce(ctx, session)
}

// ApplyDriverEvent runs one FSM transition and propagates the new state to
// the shared store and the event stream. Invalid transitions are rejected
// without side effects.
func (m *Manager) ApplyDriverEvent(ctx context.Context, sessionID string, event domain.DriverEvent, qrPayload string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown session %q", sessionID)
	}
	next, err := domain.Transition(session.State, event)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	session.State = next
	session.QRPayload = ""
	if next == domain.StateAwaitingScan {
		session.QRPayload = qrPayload
	}
	session.UpdatedAt = time.Now().UTC()
	snapshot := *session
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Session transition", "session_id", sessionID, "event", event, "state", next)
	return m.announce(ctx, &snapshot)
}

// SessionIDs returns the ids of the sessions this worker hosts, sorted.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StateOf returns the current state, or disconnected for unknown sessions.
func (m *Manager) StateOf(sessionID string) domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if session, ok := m.sessions[sessionID]; ok {
		return session.State
	}
	return domain.StateDisconnected
}

// DriverOf returns the driver behind a session.
func (m *Manager) DriverOf(sessionID string) (Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	driver, ok := m.drivers[sessionID]
	return driver, ok
}

// PublishEcho forwards the driver's message echo, which the feedback side
// treats as a delivery confirmation.
func (m *Manager) PublishEcho(ctx context.Context, sessionID, transportMessageID, destination string) error {
	data, err := json.Marshal(messagebroker.EchoEvent{
		SessionID:          sessionID,
		TransportMessageID: transportMessageID,
		Destination:        destination,
	})
	if err != nil {
		return err
	}
	return m.publisher.Publish(ctx, messagebroker.SubjectSessionEcho, data)
}

// announce writes the state to the shared store first, then publishes; the
// store is what gates dispatcher sends, so it must never lag the event.
func (m *Manager) announce(ctx context.Context, session *domain.Session) error {
	if err := m.state.WriteState(ctx, session.ID, string(session.State)); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	data, err := json.Marshal(messagebroker.SessionStateEvent{
		SessionID: session.ID,
		State:     string(session.State),
		QRPayload: session.QRPayload,
	})
	if err != nil {
		return err
	}
	if err := m.publisher.Publish(ctx, messagebroker.SubjectSessionState, data); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish session state event", "error", err, "session_id", session.ID)
	}
	return nil
}
