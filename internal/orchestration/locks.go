package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"arrowmesh/internal/apperrors"
	"arrowmesh/internal/store"
)

// LockManager serializes the read-then-insert sequence of the
// exclusivity protocol. The mutex is the critical section for a
// single-process deployment; the store's unique constraint backs the
// invariant against races in multi-process setups.
type LockManager struct {
	mu    sync.Mutex
	locks store.LockStore
}

// NewLockManager creates a lock manager over the given store.
func NewLockManager(locks store.LockStore) *LockManager {
	return &LockManager{locks: locks}
}

// LockedInstances returns the subset of instanceIDs that carry a
// non-expired lock at the given time.
func (m *LockManager) LockedInstances(ctx context.Context, instanceIDs []string, now time.Time) ([]string, error) {
	existing, err := m.locks.GetByServiceInstanceIDs(ctx, instanceIDs)
	if err != nil {
		return nil, err
	}
	var locked []string
	for _, l := range existing {
		if l.ExpiresAt.After(now) {
			locked = append(locked, l.ServiceInstanceID)
		}
	}
	return locked, nil
}

// Acquire atomically reserves all given locks. If any instance already
// carries a non-expired lock the whole batch fails with a conflict
// naming the locked instances; no partial locking occurs. A conflict
// is a hard error and must not be retried.
func (m *LockManager) Acquire(ctx context.Context, locks []*store.Lock) ([]*store.Lock, error) {
	if len(locks) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	instanceIDs := make([]string, 0, len(locks))
	for _, l := range locks {
		instanceIDs = append(instanceIDs, l.ServiceInstanceID)
	}

	existing, err := m.locks.GetByServiceInstanceIDs(ctx, instanceIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var locked []string
	var expiredRows []int64
	for _, l := range existing {
		if l.ExpiresAt.After(now) {
			locked = append(locked, l.ServiceInstanceID)
		} else {
			// Expired rows the cleaner has not swept yet would trip
			// the unique constraint; remove them first.
			expiredRows = append(expiredRows, l.ID)
		}
	}
	if len(locked) > 0 {
		return nil, apperrors.Conflict("lock", fmt.Sprintf(
			"instances already locked: %s", strings.Join(locked, ", ")))
	}
	if len(expiredRows) > 0 {
		if err := m.locks.Delete(ctx, expiredRows); err != nil {
			return nil, err
		}
	}

	return m.locks.Create(ctx, locks)
}
