package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/platform/jobqueue"
	"github.com/blastline/campaign-engine/internal/scheduler_service/app"
	"github.com/blastline/campaign-engine/internal/scheduler_service/domain"
	"github.com/blastline/campaign-engine/internal/scheduler_service/repository"
)

// TaskHandler exposes scheduled-task CRUD. Every mutation triggers a
// synchronous reconcile before the response goes out, so the queue's
// registrations never lag behind the table.
type TaskHandler struct {
	tasks      repository.ScheduledTaskRepository
	reconciler *app.Reconciler
	logger     *slog.Logger
}

func NewTaskHandler(tasks repository.ScheduledTaskRepository, reconciler *app.Reconciler, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:      tasks,
		reconciler: reconciler,
		logger:     logger.With("component", "task_handler"),
	}
}

func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/tasks", h.listTasks)
	r.Post("/tasks", h.createTask)
	r.Get("/tasks/{taskID}", h.getTask)
	r.Put("/tasks/{taskID}", h.updateTask)
	r.Post("/tasks/{taskID}/toggle", h.toggleTask)
	r.Post("/tasks/{taskID}/run", h.runTask)
	r.Delete("/tasks/{taskID}", h.deleteTask)
	return r
}

type taskRequest struct {
	Name     string          `json:"name"`
	JobType  string          `json:"job_type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	CronExpr string          `json:"cron_expr"`
	Timezone string          `json:"timezone"`
	Enabled  *bool           `json:"enabled,omitempty"`
}

func (req *taskRequest) validate() error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.JobType == "" {
		return errors.New("job_type is required")
	}
	return jobqueue.ValidateSchedule(req.CronExpr, req.Timezone)
}

func (h *TaskHandler) createTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	task := &domain.ScheduledTask{
		ID:        uuid.New(),
		Name:      req.Name,
		JobType:   req.JobType,
		Payload:   req.Payload,
		CronExpr:  req.CronExpr,
		Timezone:  req.Timezone,
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.tasks.Create(ctx, task); err != nil {
		h.logger.ErrorContext(ctx, "Failed to create scheduled task", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !h.reconcile(w, r) {
		return
	}
	h.respondJSON(w, http.StatusCreated, task)
}

func (h *TaskHandler) updateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		h.respondRepoError(w, r, err)
		return
	}
	existing.Name = req.Name
	existing.JobType = req.JobType
	existing.Payload = req.Payload
	existing.CronExpr = req.CronExpr
	existing.Timezone = req.Timezone
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if err := h.tasks.Update(ctx, existing); err != nil {
		h.respondRepoError(w, r, err)
		return
	}
	if !h.reconcile(w, r) {
		return
	}
	h.respondJSON(w, http.StatusOK, existing)
}

func (h *TaskHandler) toggleTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := h.tasks.SetEnabled(ctx, taskID, req.Enabled); err != nil {
		h.respondRepoError(w, r, err)
		return
	}
	if !h.reconcile(w, r) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) deleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	if err := h.tasks.Delete(r.Context(), taskID); err != nil {
		h.respondRepoError(w, r, err)
		return
	}
	if !h.reconcile(w, r) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) runTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	jobID, err := h.reconciler.RunNow(r.Context(), taskID)
	if err != nil {
		h.respondRepoError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *TaskHandler) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		h.respondRepoError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.ListAll(r.Context())
	if err != nil {
		h.respondRepoError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.ScheduledTask{}
	}
	h.respondJSON(w, http.StatusOK, tasks)
}

func (h *TaskHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// reconcile runs the synchronous reconcile step every mutation requires.
// Returns false when the response has already been written.
func (h *TaskHandler) reconcile(w http.ResponseWriter, r *http.Request) bool {
	if err := h.reconciler.Reconcile(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "Reconcile after task mutation failed", "error", err)
		http.Error(w, "reconcile failed", http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *TaskHandler) respondRepoError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	h.logger.ErrorContext(r.Context(), "Scheduled task operation failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
