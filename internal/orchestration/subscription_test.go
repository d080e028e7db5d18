package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"arrowmesh/internal/apperrors"
	"arrowmesh/internal/store"
)

type captureQueue struct {
	ids []string
}

func (q *captureQueue) Enqueue(jobID string) {
	q.ids = append(q.ids, jobID)
}

func validSubscribeRequest() *SubscribeRequest {
	return &SubscribeRequest{
		OwnerSystem: "CarManager",
		Notify:      NotifyTarget{Protocol: "http", Address: "car.local", Port: 8080, Path: "/updates"},
		Request:     *validRequest(),
	}
}

type subFixture struct {
	svc    *SubscriptionService
	stores *store.Stores
	queue  *captureQueue
}

func newSubFixture() *subFixture {
	f := &subFixture{
		stores: store.NewMemory(),
		queue:  &captureQueue{},
	}
	f.svc = NewSubscriptionService(f.stores.Subscriptions, f.stores.Jobs, f.queue, nil)
	return f
}

func TestSubscribe_CreatesAndQueuesFirstJob(t *testing.T) {
	t.Parallel()
	f := newSubFixture()
	ctx := context.Background()

	view, err := f.svc.Subscribe(ctx, validSubscribeRequest())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if view.ID == "" || view.OwnerSystem != "CarManager" || view.TargetSystem != "CarManager" {
		t.Errorf("unexpected view: %+v", view)
	}
	if view.ExpiresAt != nil {
		t.Error("expected a never-expiring subscription for zero duration")
	}

	// The first orchestration is queued immediately on registration.
	if len(f.queue.ids) != 1 {
		t.Fatalf("expected one queued job, got %d", len(f.queue.ids))
	}
	job, err := f.stores.Jobs.Get(ctx, f.queue.ids[0])
	if err != nil {
		t.Fatalf("loading queued job: %v", err)
	}
	if job.Type != store.TypePush || job.Status != store.StatusPending {
		t.Errorf("expected a PENDING push job, got %+v", job)
	}
	if job.SubscriptionID != view.ID {
		t.Errorf("expected job bound to subscription %s, got %s", view.ID, job.SubscriptionID)
	}
	if job.RequesterSystem != "CarManager" {
		t.Errorf("expected requester to be the target system, got %s", job.RequesterSystem)
	}
}

func TestSubscribe_DurationSetsExpiry(t *testing.T) {
	t.Parallel()
	f := newSubFixture()

	req := validSubscribeRequest()
	req.DurationSeconds = 3600

	before := time.Now()
	view, err := f.svc.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if view.ExpiresAt == nil {
		t.Fatal("expected an expiry for a positive duration")
	}
	if d := view.ExpiresAt.Sub(before); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("expected ~1h expiry, got %s", d)
	}
}

func TestSubscribe_ReplacesExistingTriple(t *testing.T) {
	t.Parallel()
	f := newSubFixture()
	ctx := context.Background()

	first, err := f.svc.Subscribe(ctx, validSubscribeRequest())
	if err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}

	replacement := validSubscribeRequest()
	replacement.Notify.Port = 9090
	second, err := f.svc.Subscribe(ctx, replacement)
	if err != nil {
		t.Fatalf("replacing Subscribe failed: %v", err)
	}

	if second.ID == first.ID {
		t.Error("expected the replacement to get a fresh id")
	}
	if second.Notify.Port != 9090 {
		t.Errorf("expected the replacement's notify target, got %+v", second.Notify)
	}

	if _, err := f.stores.Subscriptions.Get(ctx, first.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected the original subscription to be gone, got %v", err)
	}
	if _, err := f.stores.Subscriptions.Get(ctx, second.ID); err != nil {
		t.Errorf("expected the replacement to exist: %v", err)
	}
}

func TestSubscribe_DistinctTriplesCoexist(t *testing.T) {
	t.Parallel()
	f := newSubFixture()
	ctx := context.Background()

	if _, err := f.svc.Subscribe(ctx, validSubscribeRequest()); err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}

	other := validSubscribeRequest()
	other.OwnerSystem = "FleetManager"
	if _, err := f.svc.Subscribe(ctx, other); err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}

	subs, err := f.stores.Subscriptions.GetActiveByServiceDefinition(ctx, "temperature", time.Now())
	if err != nil {
		t.Fatalf("listing subscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("expected 2 coexisting subscriptions, got %d", len(subs))
	}
}

func TestSubscribe_Rejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*SubscribeRequest)
	}{
		{"missing owner", func(r *SubscribeRequest) { r.OwnerSystem = "" }},
		{"negative duration", func(r *SubscribeRequest) { r.DurationSeconds = -1 }},
		{"bad protocol", func(r *SubscribeRequest) { r.Notify.Protocol = "mqtt" }},
		{"missing address", func(r *SubscribeRequest) { r.Notify.Address = "" }},
		{"port zero", func(r *SubscribeRequest) { r.Notify.Port = 0 }},
		{"port too large", func(r *SubscribeRequest) { r.Notify.Port = 70000 }},
		{"invalid stored request", func(r *SubscribeRequest) { r.Request.ServiceDefinition = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newSubFixture()
			req := validSubscribeRequest()
			tt.mutate(req)

			_, err := f.svc.Subscribe(context.Background(), req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(f.queue.ids) != 0 {
				t.Errorf("expected nothing queued for a rejected registration")
			}
		})
	}
}

func TestSubscribe_PayloadReplaysTargetSystem(t *testing.T) {
	t.Parallel()
	f := newSubFixture()
	ctx := context.Background()

	req := validSubscribeRequest()
	req.TargetSystem = "FleetCar-7"
	req.Request.RequesterSystem = ""

	view, err := f.svc.Subscribe(ctx, req)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sub, err := f.stores.Subscriptions.Get(ctx, view.ID)
	if err != nil {
		t.Fatalf("loading subscription: %v", err)
	}
	var stored Request
	if err := json.Unmarshal(sub.Payload, &stored); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if stored.RequesterSystem != "FleetCar-7" {
		t.Errorf("expected the stored request to orchestrate for the target, got %q", stored.RequesterSystem)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	f := newSubFixture()
	ctx := context.Background()

	view, err := f.svc.Subscribe(ctx, validSubscribeRequest())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := f.svc.Unsubscribe(ctx, view.ID); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := f.svc.Unsubscribe(ctx, view.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not-found on second Unsubscribe, got %v", err)
	}
}

func TestTrigger_FansOutToActiveSubscriptions(t *testing.T) {
	t.Parallel()
	f := newSubFixture()
	ctx := context.Background()

	owners := []string{"CarManager", "FleetManager", "DepotManager"}
	for _, owner := range owners {
		req := validSubscribeRequest()
		req.OwnerSystem = owner
		if _, err := f.svc.Subscribe(ctx, req); err != nil {
			t.Fatalf("Subscribe for %s failed: %v", owner, err)
		}
	}
	initialJobs := len(f.queue.ids)

	queued, err := f.svc.Trigger(ctx, "temperature")
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if queued != 3 {
		t.Errorf("expected 3 queued jobs, got %d", queued)
	}
	if len(f.queue.ids) != initialJobs+3 {
		t.Errorf("expected %d total queued ids, got %d", initialJobs+3, len(f.queue.ids))
	}
}

func TestTrigger_SkipsExpiredSubscriptions(t *testing.T) {
	t.Parallel()
	f := newSubFixture()
	ctx := context.Background()

	payload, _ := json.Marshal(validRequest())
	expired := time.Now().Add(-time.Hour)
	err := f.stores.Subscriptions.Create(ctx, &store.Subscription{
		ID: "sub-expired", OwnerSystem: "OldSystem", TargetSystem: "OldSystem",
		ServiceDefinition: "temperature", Payload: payload,
		NotifyProtocol: "http", NotifyAddress: "old.local", NotifyPort: 80, NotifyPath: "/",
		ExpiresAt: &expired,
	})
	if err != nil {
		t.Fatalf("seeding expired subscription: %v", err)
	}

	queued, err := f.svc.Trigger(ctx, "temperature")
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if queued != 0 {
		t.Errorf("expected expired subscription to be skipped, queued %d", queued)
	}
}

func TestTrigger_UnknownServiceDefinitionQueuesNothing(t *testing.T) {
	t.Parallel()
	f := newSubFixture()

	queued, err := f.svc.Trigger(context.Background(), "humidity")
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if queued != 0 {
		t.Errorf("expected 0 queued jobs, got %d", queued)
	}
}

func TestTrigger_InvalidServiceDefinition(t *testing.T) {
	t.Parallel()
	f := newSubFixture()

	if _, err := f.svc.Trigger(context.Background(), "not a name!"); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
