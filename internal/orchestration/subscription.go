package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"arrowmesh/internal/apperrors"
	"arrowmesh/internal/observability"
	"arrowmesh/internal/store"
)

// Enqueuer hands a pending push job id to the dispatch subsystem.
// Implementations must never block the producer.
type Enqueuer interface {
	Enqueue(jobID string)
}

// SubscriptionService manages standing push registrations and turns
// triggers into queued push jobs.
type SubscriptionService struct {
	subscriptions store.SubscriptionStore
	jobs          store.JobStore
	queue         Enqueuer
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// NewSubscriptionService creates the subscription service.
func NewSubscriptionService(subs store.SubscriptionStore, jobs store.JobStore, queue Enqueuer, metrics *observability.Metrics) *SubscriptionService {
	return &SubscriptionService{
		subscriptions: subs,
		jobs:          jobs,
		queue:         queue,
		metrics:       metrics,
		logger:        slog.With("component", "subscriptions"),
	}
}

// Subscribe registers a push orchestration. A registration for the same
// (owner, target, serviceDefinition) triple replaces the previous one.
// The first orchestration for the new subscription is queued immediately.
func (s *SubscriptionService) Subscribe(ctx context.Context, req *SubscribeRequest) (*SubscriptionView, error) {
	sub, err := s.buildSubscription(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.subscriptions.GetByTriple(ctx, sub.OwnerSystem, sub.TargetSystem, sub.ServiceDefinition)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if _, err := s.subscriptions.DeleteByID(ctx, existing.ID); err != nil {
			return nil, err
		}
		s.logger.Info("Replacing subscription",
			"subscriptionId", existing.ID,
			"owner", sub.OwnerSystem,
			"serviceDefinition", sub.ServiceDefinition,
		)
	}

	if err := s.subscriptions.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("Subscription created", "subscriptionId", sub.ID, "owner", sub.OwnerSystem)

	// Subscribers get their first result right away rather than waiting
	// for the next trigger.
	if err := s.enqueueJob(ctx, sub); err != nil {
		s.logger.Error("Failed to queue initial push job", "subscriptionId", sub.ID, "error", err)
	}

	return subscriptionView(sub), nil
}

// Unsubscribe removes a subscription. Removing an unknown id reports
// ErrNotFound.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, id string) error {
	removed, err := s.subscriptions.DeleteByID(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return apperrors.NotFound("subscription", id)
	}
	s.logger.Info("Subscription removed", "subscriptionId", id)
	return nil
}

// Get returns one subscription.
func (s *SubscriptionService) Get(ctx context.Context, id string) (*SubscriptionView, error) {
	sub, err := s.subscriptions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return subscriptionView(sub), nil
}

// Trigger queues one push job per active subscription for the service
// definition and returns how many were queued.
func (s *SubscriptionService) Trigger(ctx context.Context, serviceDefinition string) (int, error) {
	serviceDefinition = strings.TrimSpace(serviceDefinition)
	if err := validateSystemName("serviceDefinition", serviceDefinition); err != nil {
		return 0, err
	}

	subs, err := s.subscriptions.GetActiveByServiceDefinition(ctx, serviceDefinition, time.Now())
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, sub := range subs {
		if err := s.enqueueJob(ctx, sub); err != nil {
			s.logger.Error("Failed to queue push job", "subscriptionId", sub.ID, "error", err)
			continue
		}
		queued++
	}
	s.logger.Info("Trigger processed", "serviceDefinition", serviceDefinition, "queued", queued)
	return queued, nil
}

// enqueueJob creates a PENDING push job for the subscription and hands
// its id to the dispatch queue.
func (s *SubscriptionService) enqueueJob(ctx context.Context, sub *store.Subscription) error {
	job := &store.Job{
		ID:                uuid.NewString(),
		RequesterSystem:   sub.TargetSystem,
		TargetSystem:      sub.TargetSystem,
		ServiceDefinition: sub.ServiceDefinition,
		Type:              store.TypePush,
		Status:            store.StatusPending,
		SubscriptionID:    sub.ID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.jobs.Create(ctx, []*store.Job{job}); err != nil {
		return err
	}
	s.queue.Enqueue(job.ID)
	if s.metrics != nil {
		s.metrics.RecordPushQueued(ctx)
	}
	return nil
}

func (s *SubscriptionService) buildSubscription(req *SubscribeRequest) (*store.Subscription, error) {
	owner := strings.TrimSpace(req.OwnerSystem)
	if err := validateSystemName("ownerSystem", owner); err != nil {
		return nil, err
	}
	target := strings.TrimSpace(req.TargetSystem)
	if target == "" {
		target = owner
	}
	if err := validateSystemName("targetSystem", target); err != nil {
		return nil, err
	}
	if req.DurationSeconds < 0 {
		return nil, apperrors.Validation("durationSeconds", "duration must not be negative")
	}
	if err := validateNotifyTarget(&req.Notify); err != nil {
		return nil, err
	}

	// The stored request is replayed on every trigger, so it must be
	// valid now. The target system is the one orchestrated for.
	request := req.Request
	if request.RequesterSystem == "" {
		request.RequesterSystem = target
	}
	form, err := BuildForm(&request)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, apperrors.Internal("subscription.marshal", err)
	}

	var expiresAt *time.Time
	if req.DurationSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(req.DurationSeconds) * time.Second)
		expiresAt = &t
	}

	return &store.Subscription{
		ID:                uuid.NewString(),
		OwnerSystem:       owner,
		TargetSystem:      target,
		ServiceDefinition: form.ServiceDefinition,
		Payload:           payload,
		NotifyProtocol:    strings.ToLower(req.Notify.Protocol),
		NotifyAddress:     req.Notify.Address,
		NotifyPort:        req.Notify.Port,
		NotifyPath:        notifyPath(req.Notify.Path),
		ExpiresAt:         expiresAt,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

func validateNotifyTarget(n *NotifyTarget) error {
	protocol := strings.ToLower(n.Protocol)
	if protocol != "http" && protocol != "https" {
		return apperrors.Validation("notify.protocol", fmt.Sprintf("unsupported notification protocol %q", n.Protocol))
	}
	if strings.TrimSpace(n.Address) == "" {
		return apperrors.Validation("notify.address", "notification address is required")
	}
	if n.Port < 1 || n.Port > 65535 {
		return apperrors.Validation("notify.port", "notification port must be between 1 and 65535")
	}
	return nil
}

func notifyPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func subscriptionView(sub *store.Subscription) *SubscriptionView {
	return &SubscriptionView{
		ID:                sub.ID,
		OwnerSystem:       sub.OwnerSystem,
		TargetSystem:      sub.TargetSystem,
		ServiceDefinition: sub.ServiceDefinition,
		Notify: NotifyTarget{
			Protocol: sub.NotifyProtocol,
			Address:  sub.NotifyAddress,
			Port:     sub.NotifyPort,
			Path:     sub.NotifyPath,
		},
		ExpiresAt: sub.ExpiresAt,
		CreatedAt: sub.CreatedAt,
	}
}
