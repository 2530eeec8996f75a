// Package jobqueue implements the durable, at-least-once job queue consumed
// by the dispatch engine and the recurring-task scheduler. Jobs live in
// PostgreSQL; workers acquire due jobs with FOR UPDATE SKIP LOCKED so
// concurrent workers never double-process an instance. Repeating
// registrations are materialised into one-off instances whose ids embed the
// fire time, which makes a missed tick enqueue exactly once.
package jobqueue

import (
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusRetry      JobStatus = "retry"
	StatusCancelled  JobStatus = "cancelled"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("jobqueue: job not found")

	// ErrFatal wraps handler errors that must not be retried. The job is
	// marked failed immediately regardless of remaining attempts.
	ErrFatal = errors.New("jobqueue: fatal job error")

	// ErrRepeatingInstance is returned when a caller tries to cancel an
	// instance that belongs to an active repeating schedule. Only the
	// schedule registration itself may be removed.
	ErrRepeatingInstance = errors.New("jobqueue: cannot cancel instance of a repeating schedule")
)

// Job is one unit of work.
type Job struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Status      JobStatus
	Priority    int
	RunAt       time.Time
	RepeatKey   *string // set when this instance was materialised from a repeating registration
	Attempts    int
	MaxAttempts int
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RepeatingJob is a registration that periodically materialises job
// instances. At most one registration exists per key.
type RepeatingJob struct {
	Key       string
	JobType   string
	Payload   json.RawMessage
	CronExpr  string
	Timezone  string
	NextRunAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Options controls enqueueing.
type Options struct {
	// Delay postpones the first run.
	Delay time.Duration
	// JobID, when set, is used as the job's identity; enqueueing the same id
	// twice is a no-op (deduplication). When empty a random id is generated.
	JobID string
	// Priority orders acquisition among due jobs; higher runs first.
	Priority int
	// MaxAttempts bounds retries; zero means the queue default.
	MaxAttempts int
}
