package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"arrowmesh/internal/orchestration"
	"arrowmesh/internal/store"
	"arrowmesh/internal/testutil"
)

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	failIDs map[string]bool
	block   chan struct{} // when set, RunPushJob waits on it
}

func (r *fakeRunner) RunPushJob(ctx context.Context, jobID string) (*orchestration.PushOutcome, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	fail := r.failIDs[jobID]
	r.mu.Unlock()

	if fail {
		return nil, errors.New("orchestration failed")
	}
	return &orchestration.PushOutcome{
		Subscription: &store.Subscription{ID: "sub-" + jobID, NotifyAddress: "consumer.local"},
		Response:     &orchestration.Response{JobID: jobID},
	}, nil
}

func (r *fakeRunner) ranCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []string
	failIDs   map[string]bool
}

func (n *fakeNotifier) Notify(ctx context.Context, sub *store.Subscription, resp *orchestration.Response) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failIDs[resp.JobID] {
		return errors.New("endpoint unreachable")
	}
	n.delivered = append(n.delivered, resp.JobID)
	return nil
}

func (n *fakeNotifier) deliveredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func TestDispatcher_ExecutesAndDelivers(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	notifier := &fakeNotifier{}
	d := NewDispatcher(Config{Workers: 2}, runner, notifier, nil)
	defer d.Close(context.Background())

	for i := 0; i < 10; i++ {
		d.Enqueue(fmt.Sprintf("job-%d", i))
	}

	testutil.MustWaitFor(t, func() bool {
		return notifier.deliveredCount() == 10
	})

	stats := d.Stats()
	if stats.Queued != 10 || stats.Executed != 10 || stats.Delivered != 10 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Failed != 0 || stats.DeliveryFailed != 0 {
		t.Errorf("expected no failures, got %+v", stats)
	}
}

func TestDispatcher_SurvivesJobFailures(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{failIDs: map[string]bool{"job-1": true, "job-3": true}}
	notifier := &fakeNotifier{}
	d := NewDispatcher(Config{Workers: 1}, runner, notifier, nil)
	defer d.Close(context.Background())

	for i := 0; i < 5; i++ {
		d.Enqueue(fmt.Sprintf("job-%d", i))
	}

	// Later jobs must still be delivered after earlier ones fail.
	testutil.MustWaitFor(t, func() bool {
		return runner.ranCount() == 5
	})
	testutil.MustWaitFor(t, func() bool {
		return notifier.deliveredCount() == 3
	})

	stats := d.Stats()
	if stats.Failed != 2 {
		t.Errorf("expected 2 failed orchestrations, got %d", stats.Failed)
	}
}

func TestDispatcher_SurvivesDeliveryFailures(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	notifier := &fakeNotifier{failIDs: map[string]bool{"job-0": true}}
	d := NewDispatcher(Config{Workers: 1}, runner, notifier, nil)
	defer d.Close(context.Background())

	d.Enqueue("job-0")
	d.Enqueue("job-1")

	testutil.MustWaitFor(t, func() bool {
		return notifier.deliveredCount() == 1
	})

	stats := d.Stats()
	if stats.DeliveryFailed != 1 || stats.Delivered != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDispatcher_EnqueueNeverBlocks(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	notifier := &fakeNotifier{}
	d := NewDispatcher(Config{Workers: 1}, runner, notifier, nil)
	defer func() {
		close(block)
		d.Close(context.Background())
	}()

	// All workers are stuck; producers must still return immediately.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Enqueue(fmt.Sprintf("job-%d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked with saturated workers")
	}

	if depth := d.QueueDepth(); depth < 990 {
		t.Errorf("expected nearly all jobs queued, got depth %d", depth)
	}
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	notifier := &fakeNotifier{}
	d := NewDispatcher(Config{Workers: 3}, runner, notifier, nil)

	for i := 0; i < 20; i++ {
		d.Enqueue(fmt.Sprintf("job-%d", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := notifier.deliveredCount(); got != 20 {
		t.Errorf("expected all 20 queued jobs delivered before shutdown, got %d", got)
	}

	// Enqueue after close is dropped.
	d.Enqueue("late")
	if depth := d.QueueDepth(); depth != 0 {
		t.Errorf("expected post-close enqueue to be dropped, got depth %d", depth)
	}
}

func TestDispatcher_CloseIdempotent(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{}, &fakeRunner{}, &fakeNotifier{}, nil)

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestDispatcher_FIFOWithSingleWorker(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	notifier := &fakeNotifier{}
	d := NewDispatcher(Config{Workers: 1}, runner, notifier, nil)
	defer d.Close(context.Background())

	want := []string{"a", "b", "c", "d"}
	for _, id := range want {
		d.Enqueue(id)
	}

	testutil.MustWaitFor(t, func() bool {
		return notifier.deliveredCount() == len(want)
	})

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	for i, id := range want {
		if notifier.delivered[i] != id {
			t.Fatalf("expected FIFO order %v, got %v", want, notifier.delivered)
		}
	}
}
