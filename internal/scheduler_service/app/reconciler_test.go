package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blastline/campaign-engine/internal/platform/jobqueue"
	"github.com/blastline/campaign-engine/internal/scheduler_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memTaskRepo struct {
	tasks map[uuid.UUID]*domain.ScheduledTask
}

func newMemTaskRepo(tasks ...*domain.ScheduledTask) *memTaskRepo {
	r := &memTaskRepo{tasks: map[uuid.UUID]*domain.ScheduledTask{}}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (m *memTaskRepo) Create(_ context.Context, task *domain.ScheduledTask) error {
	m.tasks[task.ID] = task
	return nil
}

func (m *memTaskRepo) Update(_ context.Context, task *domain.ScheduledTask) error {
	m.tasks[task.ID] = task
	return nil
}

func (m *memTaskRepo) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	task, ok := m.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	task.Enabled = enabled
	return nil
}

func (m *memTaskRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.tasks, id)
	return nil
}

func (m *memTaskRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.ScheduledTask, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return task, nil
}

func (m *memTaskRepo) ListAll(context.Context) ([]*domain.ScheduledTask, error) {
	out := make([]*domain.ScheduledTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

// fakeQueue records registrations and enqueued one-offs. One-off jobs are
// intentionally untouchable through the RepeatingQueue surface.
type fakeQueue struct {
	repeating map[string]*jobqueue.RepeatingJob
	oneOffs   []string
	removals  []string
	additions []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{repeating: map[string]*jobqueue.RepeatingJob{}}
}

func (q *fakeQueue) ListRepeating(context.Context) ([]*jobqueue.RepeatingJob, error) {
	out := make([]*jobqueue.RepeatingJob, 0, len(q.repeating))
	for _, j := range q.repeating {
		out = append(out, j)
	}
	return out, nil
}

func (q *fakeQueue) AddRepeating(_ context.Context, key, jobType string, payload []byte, cronExpr, timezone string) error {
	q.additions = append(q.additions, key)
	q.repeating[key] = &jobqueue.RepeatingJob{Key: key, JobType: jobType, Payload: payload, CronExpr: cronExpr, Timezone: timezone}
	return nil
}

func (q *fakeQueue) RemoveRepeating(_ context.Context, key string) error {
	if _, ok := q.repeating[key]; !ok {
		return jobqueue.ErrNotFound
	}
	q.removals = append(q.removals, key)
	delete(q.repeating, key)
	return nil
}

func (q *fakeQueue) Enqueue(_ context.Context, _ string, _ []byte, opts jobqueue.Options) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	q.oneOffs = append(q.oneOffs, id)
	return id, nil
}

func newTask(enabled bool) *domain.ScheduledTask {
	return &domain.ScheduledTask{
		ID:        uuid.New(),
		Name:      "nightly-report",
		JobType:   "report:generate",
		Payload:   []byte(`{"kind":"nightly"}`),
		CronExpr:  "0 2 * * *",
		Timezone:  "UTC",
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
	}
}

func TestReconciler_EnabledTaskIsRegistered(t *testing.T) {
	task := newTask(true)
	queue := newFakeQueue()
	rec := NewReconciler(newMemTaskRepo(task), queue, testLogger())

	require.NoError(t, rec.Reconcile(context.Background()))

	reg, ok := queue.repeating[task.RepeatKey()]
	require.True(t, ok)
	assert.Equal(t, "report:generate", reg.JobType)
	assert.Equal(t, "0 2 * * *", reg.CronExpr)
}

func TestReconciler_DisablingRemovesRegistrationButKeepsPendingOneOff(t *testing.T) {
	task := newTask(false)
	queue := newFakeQueue()
	queue.repeating[task.RepeatKey()] = &jobqueue.RepeatingJob{Key: task.RepeatKey()}
	queue.oneOffs = []string{task.RepeatKey() + ":manual:abc"}
	rec := NewReconciler(newMemTaskRepo(task), queue, testLogger())

	require.NoError(t, rec.Reconcile(context.Background()))

	assert.NotContains(t, queue.repeating, task.RepeatKey(), "disabled task loses its registration")
	assert.Equal(t, []string{task.RepeatKey() + ":manual:abc"}, queue.oneOffs,
		"already-pending manual run is untouched")
}

func TestReconciler_OrphanRegistrationIsRemoved(t *testing.T) {
	orphanKey := domain.RepeatKeyFor(uuid.New())
	queue := newFakeQueue()
	queue.repeating[orphanKey] = &jobqueue.RepeatingJob{Key: orphanKey}
	rec := NewReconciler(newMemTaskRepo(), queue, testLogger())

	require.NoError(t, rec.Reconcile(context.Background()))
	assert.Empty(t, queue.repeating)
}

func TestReconciler_ForeignRegistrationsAreLeftAlone(t *testing.T) {
	queue := newFakeQueue()
	queue.repeating["housekeeping:vacuum"] = &jobqueue.RepeatingJob{Key: "housekeeping:vacuum"}
	rec := NewReconciler(newMemTaskRepo(), queue, testLogger())

	require.NoError(t, rec.Reconcile(context.Background()))
	assert.Contains(t, queue.repeating, "housekeeping:vacuum")
}

func TestReconciler_ReplacementIsRemoveThenAdd(t *testing.T) {
	task := newTask(true)
	queue := newFakeQueue()
	rec := NewReconciler(newMemTaskRepo(task), queue, testLogger())

	require.NoError(t, rec.Reconcile(context.Background()))
	task.CronExpr = "30 3 * * *"
	require.NoError(t, rec.Reconcile(context.Background()))

	assert.Equal(t, "30 3 * * *", queue.repeating[task.RepeatKey()].CronExpr)
	assert.Len(t, queue.additions, 2, "each reconcile re-registers, never patches in place")
}

func TestReconciler_RunNowProducesDistinctJobIDs(t *testing.T) {
	task := newTask(true)
	queue := newFakeQueue()
	rec := NewReconciler(newMemTaskRepo(task), queue, testLogger())
	require.NoError(t, rec.Reconcile(context.Background()))

	first, err := rec.RunNow(context.Background(), task.ID)
	require.NoError(t, err)
	second, err := rec.RunNow(context.Background(), task.ID)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "rapid run-now requests never deduplicate")
	assert.Len(t, queue.oneOffs, 2)
	assert.Contains(t, queue.repeating, task.RepeatKey(), "manual run does not alter the recurrence")
}

func TestReconciler_RunNowUnknownTask(t *testing.T) {
	rec := NewReconciler(newMemTaskRepo(), newFakeQueue(), testLogger())

	_, err := rec.RunNow(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}
