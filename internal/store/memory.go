package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"arrowmesh/internal/apperrors"
)

// NewMemory creates an in-memory backend. State is lost on restart; it
// is the default backend for development and the one used in tests.
func NewMemory() *Stores {
	return &Stores{
		Jobs:          &memoryJobStore{jobs: make(map[string]*Job)},
		Locks:         &memoryLockStore{byInstance: make(map[string]*Lock)},
		Subscriptions: &memorySubscriptionStore{subs: make(map[string]*Subscription)},
	}
}

type memoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func (s *memoryJobStore) Create(ctx context.Context, jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// All-or-nothing: check every id before writing any row.
	for _, j := range jobs {
		if _, exists := s.jobs[j.ID]; exists {
			return apperrors.Internal("jobstore.create", fmt.Errorf("duplicate job id %s", j.ID))
		}
	}
	for _, j := range jobs {
		copied := *j
		s.jobs[j.ID] = &copied
	}
	return nil
}

func (s *memoryJobStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	copied := *j
	return &copied, nil
}

func (s *memoryJobStore) SetStatus(ctx context.Context, id string, status Status, message string) (*Job, error) {
	if !ValidStatus(status) {
		return nil, apperrors.Internal("jobstore.setStatus", fmt.Errorf("unrecognized status %q", status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.Internal("jobstore.setStatus", fmt.Errorf("job %s does not exist", id))
	}

	now := time.Now().UTC()
	j.Status = status
	if message != "" {
		j.Message = message
	}
	switch status {
	case StatusInProgress:
		j.StartedAt = &now
	case StatusDone, StatusError:
		j.FinishedAt = &now
	}

	copied := *j
	return &copied, nil
}

func (s *memoryJobStore) Query(ctx context.Context, filter JobFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Job
	for _, j := range s.jobs {
		if matchesFilter(j, filter) {
			copied := *j
			out = append(out, &copied)
		}
	}
	slices.SortFunc(out, func(a, b *Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *memoryJobStore) GetAllByStatusIn(ctx context.Context, statuses []Status) ([]*Job, error) {
	return s.Query(ctx, JobFilter{Statuses: statuses})
}

func (s *memoryJobStore) DeleteInBatch(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.jobs, id)
	}
	return nil
}

func matchesFilter(j *Job, f JobFilter) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, j.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	if f.RequesterSystem != "" && j.RequesterSystem != f.RequesterSystem {
		return false
	}
	if f.TargetSystem != "" && j.TargetSystem != f.TargetSystem {
		return false
	}
	if f.ServiceDefinition != "" && j.ServiceDefinition != f.ServiceDefinition {
		return false
	}
	if f.SubscriptionID != "" && j.SubscriptionID != f.SubscriptionID {
		return false
	}
	if f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && j.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

type memoryLockStore struct {
	mu         sync.Mutex
	nextID     int64
	byInstance map[string]*Lock
}

func (s *memoryLockStore) Create(ctx context.Context, locks []*Lock) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Unique constraint on instance id, enforced across the whole batch.
	for _, l := range locks {
		if _, exists := s.byInstance[l.ServiceInstanceID]; exists {
			return nil, apperrors.Conflict("lock", fmt.Sprintf("service instance %s is already locked", l.ServiceInstanceID))
		}
	}

	out := make([]*Lock, 0, len(locks))
	for _, l := range locks {
		s.nextID++
		copied := *l
		copied.ID = s.nextID
		s.byInstance[copied.ServiceInstanceID] = &copied
		result := copied
		out = append(out, &result)
	}
	return out, nil
}

func (s *memoryLockStore) GetByServiceInstanceIDs(ctx context.Context, instanceIDs []string) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Lock
	for _, id := range instanceIDs {
		if l, ok := s.byInstance[id]; ok {
			copied := *l
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memoryLockStore) List(ctx context.Context) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Lock, 0, len(s.byInstance))
	for _, l := range s.byInstance {
		copied := *l
		out = append(out, &copied)
	}
	slices.SortFunc(out, func(a, b *Lock) int {
		return int(a.ID - b.ID)
	})
	return out, nil
}

func (s *memoryLockStore) Delete(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for instanceID, l := range s.byInstance {
		if slices.Contains(ids, l.ID) {
			delete(s.byInstance, instanceID)
		}
	}
	return nil
}

func (s *memoryLockStore) DeleteExpiredBefore(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for instanceID, l := range s.byInstance {
		if l.ExpiresAt.Before(now) {
			delete(s.byInstance, instanceID)
			removed++
		}
	}
	return removed, nil
}

type memorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func (s *memorySubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.ID]; exists {
		return apperrors.Conflict("subscription", fmt.Sprintf("subscription id %s already exists", sub.ID))
	}
	for _, existing := range s.subs {
		if existing.OwnerSystem == sub.OwnerSystem &&
			existing.TargetSystem == sub.TargetSystem &&
			existing.ServiceDefinition == sub.ServiceDefinition {
			return apperrors.Conflict("subscription", fmt.Sprintf(
				"subscription for (%s, %s, %s) already exists",
				sub.OwnerSystem, sub.TargetSystem, sub.ServiceDefinition))
		}
	}

	copied := *sub
	s.subs[sub.ID] = &copied
	return nil
}

func (s *memorySubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, apperrors.NotFound("subscription", id)
	}
	copied := *sub
	return &copied, nil
}

func (s *memorySubscriptionStore) GetByTriple(ctx context.Context, owner, target, serviceDefinition string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.OwnerSystem == owner && sub.TargetSystem == target && sub.ServiceDefinition == serviceDefinition {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, apperrors.NotFound("subscription", fmt.Sprintf("(%s, %s, %s)", owner, target, serviceDefinition))
}

func (s *memorySubscriptionStore) GetActiveByServiceDefinition(ctx context.Context, serviceDefinition string, now time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if sub.ServiceDefinition == serviceDefinition && sub.Active(now) {
			copied := *sub
			out = append(out, &copied)
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *memorySubscriptionStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return false, nil
	}
	delete(s.subs, id)
	return true, nil
}

func (s *memorySubscriptionStore) DeleteExpiredBefore(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sub := range s.subs {
		if sub.ExpiresAt != nil && sub.ExpiresAt.Before(now) {
			delete(s.subs, id)
			removed++
		}
	}
	return removed, nil
}
