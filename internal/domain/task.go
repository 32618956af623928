// internal/domain/task.go
package domain

import "time"

// TaskStatus defines the status of one dispatched pipeline execution.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
)

// Terminal reports whether no further transitions can occur.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError
}

// Stage names used in progress messages, results and metrics.
const (
	StageFetch     = "fetch"
	StageTransform = "transform"
	StageDeliver   = "deliver"
)

// TaskResult is attached to a TaskRecord once it reaches a terminal status.
type TaskResult struct {
	Success         bool   `json:"success"`
	DocumentSummary string `json:"document_summary,omitempty"`
	DocumentLength  int    `json:"document_length,omitempty"`
	ChunksTotal     int    `json:"chunks_total"`
	ChunksDelivered int    `json:"chunks_delivered"`
	Stage           string `json:"stage,omitempty"`      // Failing stage
	ErrorKind       string `json:"error_kind,omitempty"` // See ClassifyError
	Error           string `json:"error,omitempty"`
}

// TaskRecord represents a single execution attempt for a unit of work.
type TaskRecord struct {
	TaskID        string      `json:"task_id"`
	WorkID        string      `json:"work_id"`
	DestinationID string      `json:"destination_id"`
	Status        TaskStatus  `json:"status"`
	Progress      int         `json:"progress"`
	Message       string      `json:"message"`
	Result        *TaskResult `json:"result,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TaskRegistry keeps in-memory task records for progress polling.
// Each record has a single writer (its runner) and any number of readers.
type TaskRegistry interface {
	Create(workID, destinationID string) string
	// Update moves a non-terminal task forward. Returns ErrTaskNotFound for unknown ids.
	Update(taskID string, status TaskStatus, progress int, message string) error
	// Finish writes the terminal status together with its result.
	Finish(taskID string, status TaskStatus, message string, result *TaskResult) error
	Get(taskID string) (TaskRecord, bool)
	// List returns up to limit records, newest first. limit <= 0 means all.
	List(limit int) []TaskRecord
}
