package driver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockDriver simulates a messaging-network client for local runs: sends
// succeed after a short latency, a configurable fraction fails, and every
// destination looks registered.
type MockDriver struct {
	mu       sync.Mutex
	failRate float64
	latency  time.Duration
	logger   *slog.Logger
	rand     *rand.Rand
}

func NewMockDriver(logger *slog.Logger, failRate float64, latency time.Duration) *MockDriver {
	return &MockDriver{
		failRate: failRate,
		latency:  latency,
		logger:   logger.With("component", "mock_driver"),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *MockDriver) SendMessage(ctx context.Context, destination, content string) (string, error) {
	if d.latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.latency):
		}
	}
	d.mu.Lock()
	failed := d.rand.Float64() < d.failRate
	d.mu.Unlock()
	if failed {
		return "", fmt.Errorf("simulated network rejection for %s", destination)
	}
	id := "mock-" + uuid.NewString()
	d.logger.DebugContext(ctx, "Mock message sent", "destination", destination, "transport_message_id", id, "bytes", len(content))
	return id, nil
}

func (d *MockDriver) IsRegistered(_ context.Context, destination string) (bool, error) {
	return destination != "", nil
}
