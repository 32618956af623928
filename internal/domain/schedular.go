package domain

import "context"

// Schedular drives the periodic reconciliation poll.
type Schedular interface {
	// Start blocks until ctx is cancelled.
	Start(ctx context.Context) error
	// Tick runs one reconciliation pass synchronously.
	Tick(ctx context.Context)
}
