package domain

import "fmt"

// EventType is the tag carried by a push notification.
type EventType string

const (
	EventWorkCreated EventType = "work_created"
	EventWorkReady   EventType = "work_ready"
)

// Event is a push notification that a unit of work was created or became ready.
type Event struct {
	Type          EventType
	WorkID        string
	Label         string
	DestinationID string // Optional explicit destination
}

// Validate checks if the event is usable.
func (e *Event) Validate() error {
	if e.WorkID == "" {
		return fmt.Errorf("event work id cannot be empty")
	}
	switch e.Type {
	case EventWorkCreated, EventWorkReady:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, e.Type)
	}
}
