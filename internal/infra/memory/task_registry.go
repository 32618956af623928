package memory

import (
	"sort"
	"sync"
	"time"

	"minutes-relay/internal/domain"

	"github.com/google/uuid"
)

// TaskRegistry keeps task records for the lifetime of the process. Records are
// never evicted.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*domain.TaskRecord
	now   func() time.Time
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks: make(map[string]*domain.TaskRecord),
		now:   time.Now,
	}
}

// Create registers a pending task and returns its id.
func (r *TaskRegistry) Create(workID, destinationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	id := uuid.NewString()
	r.tasks[id] = &domain.TaskRecord{
		TaskID:        id,
		WorkID:        workID,
		DestinationID: destinationID,
		Status:        domain.TaskStatusPending,
		Progress:      0,
		Message:       "queued",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return id
}

// Update moves a task forward. Progress never decreases and never reaches 100
// outside of a completed status. Terminal records are left untouched.
func (r *TaskRegistry) Update(taskID string, status domain.TaskStatus, progress int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return nil
	}
	if status.Terminal() {
		// Terminal transitions go through Finish so they always carry a result.
		status = task.Status
	}

	task.Status = status
	task.Progress = clampProgress(task.Progress, progress, 99)
	task.Message = message
	task.UpdatedAt = r.now().UTC()
	return nil
}

// Finish writes the terminal status and its result.
func (r *TaskRegistry) Finish(taskID string, status domain.TaskStatus, message string, result *domain.TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return nil
	}

	task.Status = status
	if status == domain.TaskStatusCompleted {
		task.Progress = 100
	}
	task.Message = message
	if result != nil {
		res := *result
		task.Result = &res
	}
	task.UpdatedAt = r.now().UTC()
	return nil
}

// Get returns a snapshot of the task.
func (r *TaskRegistry) Get(taskID string) (domain.TaskRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return domain.TaskRecord{}, false
	}
	return snapshot(task), true
}

// List returns recent tasks, newest first.
func (r *TaskRegistry) List(limit int) []domain.TaskRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.TaskRecord, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, snapshot(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func snapshot(t *domain.TaskRecord) domain.TaskRecord {
	c := *t
	if t.Result != nil {
		res := *t.Result
		c.Result = &res
	}
	return c
}

func clampProgress(current, next, max int) int {
	if next > max {
		next = max
	}
	if next < current {
		return current
	}
	return next
}
