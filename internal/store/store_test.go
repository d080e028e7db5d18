package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"arrowmesh/internal/apperrors"
)

// backends returns a fresh instance of every store backend.
func backends(t *testing.T) map[string]*Stores {
	t.Helper()

	sqlite, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]*Stores{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func newJob(id string) *Job {
	return &Job{
		ID:                id,
		RequesterSystem:   "consumer",
		TargetSystem:      "consumer",
		ServiceDefinition: "temperature",
		Type:              TypePull,
		Status:            StatusPending,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestJobStore_StatusStamps(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Jobs.Create(ctx, []*Job{newJob("j1")}); err != nil {
				t.Fatalf("create: %v", err)
			}

			j, err := s.Jobs.Get(ctx, "j1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if j.StartedAt != nil || j.FinishedAt != nil {
				t.Error("pending job must have no timestamps")
			}

			j, err = s.Jobs.SetStatus(ctx, "j1", StatusInProgress, "")
			if err != nil {
				t.Fatalf("setStatus: %v", err)
			}
			if j.StartedAt == nil {
				t.Error("IN_PROGRESS must stamp startedAt")
			}
			if j.FinishedAt != nil {
				t.Error("IN_PROGRESS must not stamp finishedAt")
			}

			j, err = s.Jobs.SetStatus(ctx, "j1", StatusDone, "1 local result(s)")
			if err != nil {
				t.Fatalf("setStatus: %v", err)
			}
			if j.FinishedAt == nil {
				t.Error("DONE must stamp finishedAt")
			}
			if j.StartedAt == nil {
				t.Error("DONE must keep startedAt")
			}
			if j.Message != "1 local result(s)" {
				t.Errorf("unexpected message %q", j.Message)
			}
		})
	}
}

func TestJobStore_SetStatusErrors(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Jobs.SetStatus(ctx, "missing", StatusDone, ""); !errors.Is(err, apperrors.ErrInternal) {
				t.Errorf("unknown job id: expected internal error, got %v", err)
			}

			if err := s.Jobs.Create(ctx, []*Job{newJob("j1")}); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := s.Jobs.SetStatus(ctx, "j1", Status("RUNNING"), ""); !errors.Is(err, apperrors.ErrInternal) {
				t.Errorf("bad status: expected internal error, got %v", err)
			}
		})
	}
}

func TestJobStore_Query(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j1 := newJob("j1")
			j2 := newJob("j2")
			j2.RequesterSystem = "other"
			j2.Type = TypePush
			j2.SubscriptionID = "sub-1"
			if err := s.Jobs.Create(ctx, []*Job{j1, j2}); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := s.Jobs.Query(ctx, JobFilter{RequesterSystem: "other"})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 1 || got[0].ID != "j2" {
				t.Fatalf("expected [j2], got %v", got)
			}

			// Conjunctive: both fields must match.
			got, err = s.Jobs.Query(ctx, JobFilter{RequesterSystem: "other", SubscriptionID: "nope"})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("expected no match, got %v", got)
			}

			got, err = s.Jobs.GetAllByStatusIn(ctx, []Status{StatusPending})
			if err != nil {
				t.Fatalf("getAllByStatusIn: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 pending jobs, got %d", len(got))
			}
		})
	}
}

func TestJobStore_DeleteInBatch(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Jobs.Create(ctx, []*Job{newJob("j1"), newJob("j2")}); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := s.Jobs.DeleteInBatch(ctx, []string{"j1", "missing"}); err != nil {
				t.Fatalf("deleteInBatch: %v", err)
			}
			if _, err := s.Jobs.Get(ctx, "j1"); !errors.Is(err, apperrors.ErrNotFound) {
				t.Errorf("expected j1 removed, got %v", err)
			}
			if _, err := s.Jobs.Get(ctx, "j2"); err != nil {
				t.Errorf("expected j2 to remain: %v", err)
			}
		})
	}
}

func TestLockStore_UniqueInstance(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expiry := time.Now().Add(time.Minute)

			created, err := s.Locks.Create(ctx, []*Lock{
				{ServiceInstanceID: "inst-1", Owner: "consumer", ExpiresAt: expiry},
				{ServiceInstanceID: "inst-2", Owner: "consumer", ExpiresAt: expiry},
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if len(created) != 2 || created[0].ID == 0 || created[1].ID == 0 {
				t.Fatalf("expected 2 locks with row ids, got %+v", created)
			}

			// Second insert for the same instance must surface a conflict.
			_, err = s.Locks.Create(ctx, []*Lock{
				{ServiceInstanceID: "inst-1", Owner: "rival", ExpiresAt: expiry},
			})
			if !errors.Is(err, apperrors.ErrConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}

			locks, err := s.Locks.GetByServiceInstanceIDs(ctx, []string{"inst-1", "inst-3"})
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if len(locks) != 1 || locks[0].Owner != "consumer" {
				t.Fatalf("expected consumer's lock, got %+v", locks)
			}
		})
	}
}

func TestLockStore_DeleteAndExpire(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			created, err := s.Locks.Create(ctx, []*Lock{
				{ServiceInstanceID: "inst-1", Owner: "a", ExpiresAt: now.Add(-time.Minute)},
				{ServiceInstanceID: "inst-2", Owner: "b", ExpiresAt: now.Add(time.Minute)},
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			removed, err := s.Locks.DeleteExpiredBefore(ctx, now)
			if err != nil {
				t.Fatalf("deleteExpired: %v", err)
			}
			if removed != 1 {
				t.Errorf("expected 1 expired lock removed, got %d", removed)
			}

			if err := s.Locks.Delete(ctx, []int64{created[1].ID}); err != nil {
				t.Fatalf("delete: %v", err)
			}
			remaining, err := s.Locks.List(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(remaining) != 0 {
				t.Errorf("expected no locks, got %+v", remaining)
			}
		})
	}
}

func newSubscription(id, owner string) *Subscription {
	return &Subscription{
		ID:                id,
		OwnerSystem:       owner,
		TargetSystem:      owner,
		ServiceDefinition: "temperature",
		Payload:           []byte(`{}`),
		NotifyProtocol:    "http",
		NotifyAddress:     "localhost",
		NotifyPort:        8080,
		NotifyPath:        "/notify",
		CreatedAt:         time.Now().UTC(),
	}
}

func TestSubscriptionStore_TripleUniqueness(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Subscriptions.Create(ctx, newSubscription("s1", "consumer")); err != nil {
				t.Fatalf("create: %v", err)
			}

			err := s.Subscriptions.Create(ctx, newSubscription("s2", "consumer"))
			if !errors.Is(err, apperrors.ErrConflict) {
				t.Fatalf("duplicate triple: expected conflict, got %v", err)
			}

			sub, err := s.Subscriptions.GetByTriple(ctx, "consumer", "consumer", "temperature")
			if err != nil {
				t.Fatalf("getByTriple: %v", err)
			}
			if sub.ID != "s1" {
				t.Errorf("expected s1 to survive, got %s", sub.ID)
			}
		})
	}
}

func TestSubscriptionStore_DeleteIdempotent(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Subscriptions.Create(ctx, newSubscription("s1", "consumer")); err != nil {
				t.Fatalf("create: %v", err)
			}

			removed, err := s.Subscriptions.DeleteByID(ctx, "s1")
			if err != nil || !removed {
				t.Fatalf("expected removal, got removed=%v err=%v", removed, err)
			}
			removed, err = s.Subscriptions.DeleteByID(ctx, "s1")
			if err != nil || removed {
				t.Fatalf("second delete must be a no-op, got removed=%v err=%v", removed, err)
			}
		})
	}
}

func TestSubscriptionStore_ActiveByServiceDefinition(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			expired := newSubscription("s1", "a")
			past := now.Add(-time.Minute)
			expired.ExpiresAt = &past

			forever := newSubscription("s2", "b")

			future := now.Add(time.Hour)
			bounded := newSubscription("s3", "c")
			bounded.ExpiresAt = &future

			for _, sub := range []*Subscription{expired, forever, bounded} {
				if err := s.Subscriptions.Create(ctx, sub); err != nil {
					t.Fatalf("create %s: %v", sub.ID, err)
				}
			}

			active, err := s.Subscriptions.GetActiveByServiceDefinition(ctx, "temperature", now)
			if err != nil {
				t.Fatalf("getActive: %v", err)
			}
			if len(active) != 2 {
				t.Fatalf("expected 2 active subscriptions, got %d", len(active))
			}

			removed, err := s.Subscriptions.DeleteExpiredBefore(ctx, now)
			if err != nil {
				t.Fatalf("deleteExpired: %v", err)
			}
			if removed != 1 {
				t.Errorf("expected 1 expired subscription removed, got %d", removed)
			}
		})
	}
}
