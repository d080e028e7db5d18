package cleaner

import (
	"context"
	"errors"
	"testing"
	"time"

	"arrowmesh/internal/store"
)

func seedJob(t *testing.T, stores *store.Stores, id string, statuses ...store.Status) {
	t.Helper()
	ctx := context.Background()
	err := stores.Jobs.Create(ctx, []*store.Job{
		{ID: id, RequesterSystem: "CarManager", ServiceDefinition: "temperature", Type: store.TypePull, Status: store.StatusPending},
	})
	if err != nil {
		t.Fatalf("seeding job %s: %v", id, err)
	}
	for _, s := range statuses {
		if _, err := stores.Jobs.SetStatus(ctx, id, s, ""); err != nil {
			t.Fatalf("advancing %s to %s: %v", id, s, err)
		}
	}
}

func TestSweep_RemovesExpiredSubscriptionsAndLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := store.NewMemory()
	now := time.Now()

	expired := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	subs := []*store.Subscription{
		{ID: "sub-old", OwnerSystem: "a", TargetSystem: "a", ServiceDefinition: "temperature",
			NotifyProtocol: "http", NotifyAddress: "a.local", NotifyPort: 80, NotifyPath: "/", ExpiresAt: &expired},
		{ID: "sub-live", OwnerSystem: "b", TargetSystem: "b", ServiceDefinition: "temperature",
			NotifyProtocol: "http", NotifyAddress: "b.local", NotifyPort: 80, NotifyPath: "/", ExpiresAt: &future},
		{ID: "sub-forever", OwnerSystem: "c", TargetSystem: "c", ServiceDefinition: "temperature",
			NotifyProtocol: "http", NotifyAddress: "c.local", NotifyPort: 80, NotifyPath: "/"},
	}
	for _, sub := range subs {
		if err := stores.Subscriptions.Create(ctx, sub); err != nil {
			t.Fatalf("seeding subscription %s: %v", sub.ID, err)
		}
	}

	if _, err := stores.Locks.Create(ctx, []*store.Lock{
		{ServiceInstanceID: "inst-old", Owner: "a", ExpiresAt: expired},
		{ServiceInstanceID: "inst-live", Owner: "b", ExpiresAt: future},
	}); err != nil {
		t.Fatalf("seeding locks: %v", err)
	}

	c := New(stores, nil, time.Minute, 24*time.Hour)
	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if _, err := stores.Subscriptions.Get(ctx, "sub-old"); err == nil {
		t.Error("expected expired subscription to be removed")
	}
	for _, id := range []string{"sub-live", "sub-forever"} {
		if _, err := stores.Subscriptions.Get(ctx, id); err != nil {
			t.Errorf("expected subscription %s to survive: %v", id, err)
		}
	}

	locks, err := stores.Locks.List(ctx)
	if err != nil {
		t.Fatalf("listing locks: %v", err)
	}
	if len(locks) != 1 || locks[0].ServiceInstanceID != "inst-live" {
		t.Errorf("expected only the live lock to survive, got %+v", locks)
	}
}

func TestSweep_RemovesAgedTerminalJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := store.NewMemory()

	seedJob(t, stores, "job-done", store.StatusInProgress, store.StatusDone)
	seedJob(t, stores, "job-error", store.StatusInProgress, store.StatusError)
	seedJob(t, stores, "job-running", store.StatusInProgress)
	seedJob(t, stores, "job-pending")

	// Both terminal jobs finished "now"; sweep from 48h in the future so
	// they fall outside the 24h retention window.
	c := New(stores, nil, time.Minute, 24*time.Hour)
	c.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	for _, id := range []string{"job-done", "job-error"} {
		if _, err := stores.Jobs.Get(ctx, id); err == nil {
			t.Errorf("expected aged terminal job %s to be removed", id)
		}
	}
	for _, id := range []string{"job-running", "job-pending"} {
		if _, err := stores.Jobs.Get(ctx, id); err != nil {
			t.Errorf("expected non-terminal job %s to survive: %v", id, err)
		}
	}
}

func TestSweep_KeepsRecentTerminalJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := store.NewMemory()

	seedJob(t, stores, "job-fresh", store.StatusInProgress, store.StatusDone)

	c := New(stores, nil, time.Minute, 24*time.Hour)
	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if _, err := stores.Jobs.Get(ctx, "job-fresh"); err != nil {
		t.Errorf("expected fresh terminal job to survive: %v", err)
	}
}

type failingLocks struct {
	store.LockStore
}

func (f failingLocks) DeleteExpiredBefore(ctx context.Context, now time.Time) (int, error) {
	return 0, errors.New("backend down")
}

func TestSweep_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := store.NewMemory()
	stores.Locks = failingLocks{stores.Locks}

	seedJob(t, stores, "job-aged", store.StatusInProgress, store.StatusDone)

	c := New(stores, nil, time.Minute, 24*time.Hour)
	c.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	if err := c.Sweep(ctx); err == nil {
		t.Fatal("expected Sweep to fail when the lock stage fails")
	}

	// The job stage runs after locks and must not have been reached.
	if _, err := stores.Jobs.Get(ctx, "job-aged"); err != nil {
		t.Errorf("expected aged job to survive an aborted sweep: %v", err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	c := New(store.NewMemory(), nil, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
