package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrTaskNotFound = errors.New("scheduled task not found")

// ScheduledTask is a persisted recurrence definition. Each enabled task maps
// 1:1 onto a repeating-job registration in the durable queue.
type ScheduledTask struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	JobType   string          `json:"job_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CronExpr  string          `json:"cron_expr"`
	Timezone  string          `json:"timezone"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RepeatKey is the durable-queue registration key for this task.
func (t *ScheduledTask) RepeatKey() string {
	return RepeatKeyFor(t.ID)
}

func RepeatKeyFor(id uuid.UUID) string {
	return "task:" + id.String()
}

// TaskIDFromRepeatKey inverts RepeatKeyFor. The second return is false for
// keys not owned by the scheduler.
func TaskIDFromRepeatKey(key string) (uuid.UUID, bool) {
	const prefix = "task:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(key[len(prefix):])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
