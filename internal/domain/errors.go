package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMappingNotFound is returned when no mapping exists for a work id.
	ErrMappingNotFound = errors.New("mapping not found")
	// ErrTaskNotFound is returned by the registry for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotFound means the source artifact does not exist (yet).
	ErrNotFound = errors.New("artifact not found")
	// ErrTransient covers network failures and temporary unavailability.
	ErrTransient = errors.New("transient error")
	// ErrQuotaExceeded is a transient generation failure.
	ErrQuotaExceeded = fmt.Errorf("generation quota exceeded: %w", ErrTransient)
	// ErrPermanentInput marks input that will not succeed on retry.
	ErrPermanentInput = errors.New("permanent input error")
	// ErrUnsupportedInput is a permanent input failure for unknown formats.
	ErrUnsupportedInput = fmt.Errorf("unsupported input: %w", ErrPermanentInput)
	// ErrDestination covers every failure caused by the destination itself.
	ErrDestination         = errors.New("destination error")
	ErrDestinationAuth     = fmt.Errorf("destination auth failed: %w", ErrDestination)
	ErrDestinationNotFound = fmt.Errorf("destination not found: %w", ErrDestination)

	// ErrStorageCorruption is logged when the durable mapping file cannot be parsed.
	ErrStorageCorruption = errors.New("mapping storage corrupted")

	// ErrUnknownEvent is returned for push events the ingestor does not handle.
	ErrUnknownEvent = errors.New("unknown event type")
)

// StageError tags a pipeline failure with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ClassifyError maps an error onto the taxonomy used in results and metrics.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrPermanentInput):
		return "permanent_input"
	case errors.Is(err, ErrDestination):
		return "destination"
	case errors.Is(err, ErrStorageCorruption):
		return "storage_corruption"
	default:
		return "unknown"
	}
}
