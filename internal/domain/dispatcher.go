// internal/domain/dispatcher.go
package domain

import "context"

// Skip reasons reported by Admit.
const (
	SkipAlreadyProcessed  = "already_processed"
	SkipInFlight          = "in_flight"
	SkipNoDestination     = "no_destination"
	SkipAttemptsExhausted = "attempts_exhausted"
)

// AdmitResult is the admission decision. TaskID is set unless Skipped.
type AdmitResult struct {
	TaskID  string `json:"task_id,omitempty"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// Dispatcher is the admission gate in front of the pipeline.
type Dispatcher interface {
	Admit(ctx context.Context, workID, destinationID, label string) (AdmitResult, error)
}

// Job is what a runner needs to execute the pipeline once.
type Job struct {
	TaskID        string
	WorkID        string
	DestinationID string
	Label         string
}

// Runner executes the fetch, transform and deliver stages for one job.
// It owns every registry write for job.TaskID and returns the terminal error, if any.
type Runner interface {
	Run(ctx context.Context, job Job) error
}
