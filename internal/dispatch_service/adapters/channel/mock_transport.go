package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// MockEmailTransport is a simulated email transport for testing and
// development. It records submitted messages and can simulate failures and
// submission latency.
type MockEmailTransport struct {
	logger   *slog.Logger
	failRate float64 // chance to simulate failure (0.0 to 1.0)
	latency  time.Duration

	mu        sync.Mutex
	submitted []EmailMessage
}

func NewMockEmailTransport(logger *slog.Logger, failRate float64, latency time.Duration) *MockEmailTransport {
	return &MockEmailTransport{
		logger:   logger.With("transport", "mock-email"),
		failRate: failRate,
		latency:  latency,
	}
}

func (t *MockEmailTransport) Submit(ctx context.Context, msg EmailMessage) error {
	if t.latency > 0 {
		select {
		case <-time.After(t.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if t.failRate > 0 && rand.Float64() < t.failRate {
		t.logger.WarnContext(ctx, "MockEmailTransport simulated failure", "to", msg.To)
		return fmt.Errorf("mock transport: simulated submission failure for %s", msg.To)
	}

	t.mu.Lock()
	t.submitted = append(t.submitted, msg)
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "MockEmailTransport: message submitted", "to", msg.To, "subject", msg.Subject)
	return nil
}

// Submitted returns a copy of all successfully submitted messages.
func (t *MockEmailTransport) Submitted() []EmailMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]EmailMessage, len(t.submitted))
	copy(out, t.submitted)
	return out
}
