package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blastline/campaign-engine/internal/dispatch_service/adapters/channel"
)

// stateTTL bounds staleness: a crashed worker's sessions read as absent once
// the mirror expires instead of looking connected forever.
const stateTTL = 5 * time.Minute

// RedisStateWriter maintains the session-state mirror the dispatcher's
// channel adapter reads before each send.
type RedisStateWriter struct {
	client *redis.Client
}

func NewRedisStateWriter(client *redis.Client) *RedisStateWriter {
	return &RedisStateWriter{client: client}
}

func (w *RedisStateWriter) WriteState(ctx context.Context, sessionID, state string) error {
	if err := w.client.Set(ctx, channel.SessionStateKey(sessionID), state, stateTTL).Err(); err != nil {
		return fmt.Errorf("write state for session %s: %w", sessionID, err)
	}
	return nil
}
