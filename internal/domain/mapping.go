// internal/domain/mapping.go
package domain

import (
	"fmt"
	"time"
)

// WorkMapping binds a unit of work (a meeting) to the destination its minutes go to.
type WorkMapping struct {
	WorkID        string     `json:"work_id"`
	DestinationID string     `json:"destination_id"`
	Label         string     `json:"label"`
	Processed     bool       `json:"processed"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"` // Set if and only if Processed is true
}

// Validate checks if the mapping is valid.
func (m *WorkMapping) Validate() error {
	if m.WorkID == "" {
		return fmt.Errorf("mapping work_id cannot be empty")
	}
	if m.Processed && m.ProcessedAt == nil {
		return fmt.Errorf("mapping %s is processed but has no processed_at", m.WorkID)
	}
	if !m.Processed && m.ProcessedAt != nil {
		return fmt.Errorf("mapping %s has processed_at but is not processed", m.WorkID)
	}
	return nil
}

// Clone returns a deep copy so callers never share the ProcessedAt pointer.
func (m *WorkMapping) Clone() *WorkMapping {
	c := *m
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
