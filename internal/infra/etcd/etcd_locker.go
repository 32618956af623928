// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"minutes-relay/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LockPrefix is the etcd root for per-work locks.
	LockPrefix = "/relay/locks/"
	// LockSessionTTL is the lease TTL in seconds; a crashed holder frees the lock after it.
	LockSessionTTL = 10
	unlockTimeout  = 5 * time.Second
)

// etcdLock implements domain.Lock.
type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
	logger  *slog.Logger
	once    sync.Once
}

// Unlock releases the mutex and closes its session, revoking the lease.
func (l *etcdLock) Unlock() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if err := l.mutex.Unlock(ctx); err != nil {
			// Closing the session below revokes the lease, which frees the key anyway.
			l.logger.Warn("failed to unlock etcd mutex", "lock", l.name, "error", err)
		}
		_ = l.session.Close()
	})
}

// etcdLocker implements domain.Locker with etcd mutexes, so processes sharing
// one etcd mapping store also serialize their mapping mutations per work id.
type etcdLocker struct {
	client *clientv3.Client
	logger *slog.Logger
}

// NewEtcdLocker creates a new etcdLocker instance.
func NewEtcdLocker(client *clientv3.Client, logger *slog.Logger) domain.Locker {
	return &etcdLocker{client: client, logger: logger.With("component", "etcd-locker")}
}

// Lock blocks until the lock for name is held or ctx is done.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// One session per lock, kept alive on the client context; ctx only bounds the wait.
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)
	if err := mutex.Lock(ctx); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to acquire etcd lock %s: %w", name, err)
	}

	return &etcdLock{
		mutex:   mutex,
		session: session,
		name:    name,
		logger:  l.logger,
	}, nil
}
