// Package store defines the durable state of the orchestration engine:
// jobs, exclusivity locks, and push subscriptions. Two backends exist,
// an in-memory one and a SQLite one; both enforce the same invariants.
package store

import (
	"context"
	"time"
)

// Status is the lifecycle state of an orchestration job.
// Transitions are one-directional: PENDING -> IN_PROGRESS -> DONE | ERROR.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
)

// ValidStatus reports whether s is one of the four recognized statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func Terminal(s Status) bool {
	return s == StatusDone || s == StatusError
}

// Orchestration types.
const (
	TypePull = "PULL"
	TypePush = "PUSH"
)

// Job is one orchestration attempt, pull or push-triggered.
type Job struct {
	ID                string
	RequesterSystem   string
	TargetSystem      string
	ServiceDefinition string
	Type              string // TypePull or TypePush
	Status            Status
	SubscriptionID    string // set when push-triggered
	StartedAt         *time.Time
	FinishedAt        *time.Time
	Message           string
	CreatedAt         time.Time
}

// Lock is an exclusive reservation of one provider service instance.
// At most one non-expired lock may exist per ServiceInstanceID.
type Lock struct {
	ID                int64
	ServiceInstanceID string
	Owner             string // owning consumer system or job
	ExpiresAt         time.Time
}

// Subscription is a standing push-orchestration registration.
// At most one subscription exists per (owner, target, serviceDefinition).
type Subscription struct {
	ID                string
	OwnerSystem       string
	TargetSystem      string
	ServiceDefinition string
	Payload           []byte // serialized original orchestration request
	NotifyProtocol    string // "http" or "https"
	NotifyAddress     string
	NotifyPort        int
	NotifyPath        string
	ExpiresAt         *time.Time // nil means never expires
	CreatedAt         time.Time
}

// Active reports whether the subscription has not expired at the given time.
func (s *Subscription) Active(now time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// JobFilter selects jobs in Query. All set fields must match (AND).
type JobFilter struct {
	IDs               []string
	Statuses          []Status
	RequesterSystem   string
	TargetSystem      string
	ServiceDefinition string
	SubscriptionID    string
	CreatedAfter      *time.Time
	CreatedBefore     *time.Time
}

// JobStore records every orchestration attempt and its lifecycle state.
type JobStore interface {
	// Create bulk-inserts jobs, all-or-nothing.
	Create(ctx context.Context, jobs []*Job) error

	// Get returns the job by id or a not-found error.
	Get(ctx context.Context, id string) (*Job, error)

	// SetStatus advances a job's status, stamping StartedAt on the
	// transition to IN_PROGRESS and FinishedAt on DONE or ERROR.
	// Unknown ids and unrecognized statuses are programmer errors.
	SetStatus(ctx context.Context, id string, status Status, message string) (*Job, error)

	// Query returns jobs matching the filter.
	Query(ctx context.Context, filter JobFilter) ([]*Job, error)

	// GetAllByStatusIn returns jobs whose status is in the given set.
	GetAllByStatusIn(ctx context.Context, statuses []Status) ([]*Job, error)

	// DeleteInBatch removes jobs by id. Missing ids are ignored.
	DeleteInBatch(ctx context.Context, ids []string) error
}

// LockStore records exclusive provider reservations.
//
// Create is unconditional: callers are expected to hold a critical
// section spanning the read (GetByServiceInstanceIDs) and the insert.
// A unique constraint on ServiceInstanceID backs the invariant and a
// violation surfaces as a conflict error, which callers must treat as
// a hard failure rather than retry.
type LockStore interface {
	Create(ctx context.Context, locks []*Lock) ([]*Lock, error)
	GetByServiceInstanceIDs(ctx context.Context, instanceIDs []string) ([]*Lock, error)
	List(ctx context.Context) ([]*Lock, error)
	Delete(ctx context.Context, ids []int64) error
	DeleteExpiredBefore(ctx context.Context, now time.Time) (int, error)
}

// SubscriptionStore records standing push registrations.
type SubscriptionStore interface {
	// Create inserts a subscription. An id collision is a caller bug
	// and fails with a conflict.
	Create(ctx context.Context, sub *Subscription) error

	Get(ctx context.Context, id string) (*Subscription, error)

	// GetByTriple returns the subscription for (owner, target,
	// serviceDefinition) or a not-found error.
	GetByTriple(ctx context.Context, owner, target, serviceDefinition string) (*Subscription, error)

	// GetActiveByServiceDefinition returns all subscriptions for the
	// service definition that have not expired at the given time.
	GetActiveByServiceDefinition(ctx context.Context, serviceDefinition string, now time.Time) ([]*Subscription, error)

	// DeleteByID removes a subscription, reporting whether a row was
	// actually removed. Deleting a missing id is not an error.
	DeleteByID(ctx context.Context, id string) (bool, error)

	DeleteExpiredBefore(ctx context.Context, now time.Time) (int, error)
}

// Stores bundles the three store contracts behind one backend.
type Stores struct {
	Jobs          JobStore
	Locks         LockStore
	Subscriptions SubscriptionStore

	ready func(ctx context.Context) error
	close func() error
}

// Ready verifies the backend can serve requests.
func (s *Stores) Ready(ctx context.Context) error {
	if s.ready == nil {
		return nil
	}
	return s.ready(ctx)
}

// Close releases backend resources.
func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
