// internal/infra/memory/key_locker.go
package memory

import (
	"context"
	"sync"

	"minutes-relay/internal/domain"
)

// keyLock is a one-slot semaphore shared by everyone waiting on the same key.
type keyLock struct {
	slot chan struct{}
	refs int // holders plus waiters; the entry is dropped when this reaches zero
}

// KeyLocker implements domain.Locker with one in-process lock per key.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewKeyLocker creates an empty KeyLocker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[string]*keyLock)}
}

// heldLock implements domain.Lock.
type heldLock struct {
	locker *KeyLocker
	name   string
	once   sync.Once
}

func (l *heldLock) Unlock() {
	l.once.Do(func() {
		l.locker.release(l.name, true)
	})
}

// Lock blocks until name is free or ctx is done.
func (k *KeyLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	k.mu.Lock()
	entry, ok := k.locks[name]
	if !ok {
		entry = &keyLock{slot: make(chan struct{}, 1)}
		k.locks[name] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
		return &heldLock{locker: k, name: name}, nil
	case <-ctx.Done():
		k.release(name, false)
		return nil, ctx.Err()
	}
}

func (k *KeyLocker) release(name string, held bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry := k.locks[name]
	if held {
		<-entry.slot
	}
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, name)
	}
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyLocker) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
