package domain

import (
	"context"
	"time"
)

// MappingRepository defines the interface for persisting WorkMapping records.
// Every mutation must be durable before it returns.
type MappingRepository interface {
	// Get returns ErrMappingNotFound when no mapping exists for workID.
	Get(ctx context.Context, workID string) (*WorkMapping, error)
	// Put inserts or fully replaces a mapping.
	Put(ctx context.Context, mapping *WorkMapping) error
	// MarkProcessed flips processed to true. Returns ErrMappingNotFound if absent.
	// Marking an already processed mapping keeps the first processed_at.
	MarkProcessed(ctx context.Context, workID string, when time.Time) error
	Remove(ctx context.Context, workID string) error
	// List returns all mappings ordered by work_id.
	List(ctx context.Context) ([]*WorkMapping, error)
}
