// Package lease provides short-lived per-record exclusive leases. The dispatch
// sweep holds one across submit and persist so two overlapping sweeps, or two
// notifier instances, cannot submit the same record twice.
package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReleaseFunc gives a lease back. Releasing an expired or stolen lease is a no-op.
type ReleaseFunc func(ctx context.Context) error

// Locker hands out exclusive leases keyed by string.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error)
}

// DispatchKey is the lease key guarding submission of one record.
func DispatchKey(notificationID string) string {
	return "dispatch:" + notificationID
}

func noopRelease(context.Context) error { return nil }

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker for tests and single-instance runs.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

func NewMemoryLocker() *MemoryLocker {
	return newMemoryLocker(time.Now)
}

func newMemoryLocker(nowFn func() time.Time) *MemoryLocker {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryLocker{
		leases: make(map[string]memoryLease),
		now:    nowFn,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	if err := ctx.Err(); err != nil {
		return noopRelease, false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return noopRelease, false, fmt.Errorf("lease key is required")
	}
	if ttl <= 0 {
		return noopRelease, false, fmt.Errorf("lease ttl must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expiresAt) {
		return noopRelease, false, nil
	}

	token := uuid.NewString()
	l.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()

		if held, ok := l.leases[key]; ok && held.token == token {
			delete(l.leases, key)
		}
		return nil
	}
	return release, true, nil
}
