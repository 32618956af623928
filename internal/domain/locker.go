// internal/domain/locker.go
package domain

import "context"

// Lock represents an acquired per-key lock.
type Lock interface {
	// Unlock releases the lock.
	Unlock()
}

// Locker serializes work per key. Locks on different keys never block each other.
type Locker interface {
	// Lock blocks until the lock for name is held or ctx is done.
	Lock(ctx context.Context, name string) (Lock, error)
}
