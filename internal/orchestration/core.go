package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"arrowmesh/internal/apperrors"
	"arrowmesh/internal/observability"
	"arrowmesh/internal/registry"
	"arrowmesh/internal/store"
)

// Gatekeeper is the intercloud orchestration collaborator. The engine
// only decides when to delegate; the cross-cloud protocol lives behind
// this boundary.
type Gatekeeper interface {
	Orchestrate(ctx context.Context, form *Form) ([]MatchedService, error)
}

// Core drives the orchestration job lifecycle: it validates requests,
// obtains candidates, applies exclusivity checks, runs the QoS pipeline
// and the matchmaker, and records status transitions.
type Core struct {
	jobs          store.JobStore
	subscriptions store.SubscriptionStore
	locks         *LockManager
	registry      registry.Registry
	qos           *QoSPipeline
	matchmakers   map[MatchmakingAlgorithm]Matchmaker
	gatekeeper    Gatekeeper
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// CoreConfig holds dependencies for the orchestration core.
type CoreConfig struct {
	Jobs          store.JobStore
	Subscriptions store.SubscriptionStore
	Locks         *LockManager
	Registry      registry.Registry
	QoS           *QoSPipeline
	Gatekeeper    Gatekeeper // nil disables intercloud orchestration
	Metrics       *observability.Metrics
}

// NewCore creates the orchestration core.
func NewCore(cfg CoreConfig) *Core {
	return &Core{
		jobs:          cfg.Jobs,
		subscriptions: cfg.Subscriptions,
		locks:         cfg.Locks,
		registry:      cfg.Registry,
		qos:           cfg.QoS,
		matchmakers:   NewMatchmakerTable(),
		gatekeeper:    cfg.Gatekeeper,
		metrics:       cfg.Metrics,
		logger:        slog.With("component", "orchestration"),
	}
}

// Pull performs a synchronous, caller-initiated orchestration. Invalid
// requests are rejected before any job row exists.
func (c *Core) Pull(ctx context.Context, req *Request) (*Response, error) {
	form, err := BuildForm(req)
	if err != nil {
		return nil, err
	}

	job := &store.Job{
		ID:                uuid.NewString(),
		RequesterSystem:   form.RequesterSystem,
		TargetSystem:      form.TargetSystem,
		ServiceDefinition: form.ServiceDefinition,
		Type:              store.TypePull,
		Status:            store.StatusPending,
		CreatedAt:         time.Now().UTC(),
	}
	if err := c.jobs.Create(ctx, []*store.Job{job}); err != nil {
		return nil, err
	}

	return c.run(ctx, form, job.ID, store.TypePull)
}

// PushOutcome is the result of one push-triggered orchestration plus
// the subscription it must be delivered to.
type PushOutcome struct {
	Subscription *store.Subscription
	Response     *Response
}

// RunPushJob executes one queued push job: it loads the job and its
// subscription, replays the stored request, and runs the same lifecycle
// as a pull orchestration.
func (c *Core) RunPushJob(ctx context.Context, jobID string) (*PushOutcome, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Type != store.TypePush {
		return nil, apperrors.Internal("push.run", fmt.Errorf("job %s is not a push job", jobID))
	}

	sub, err := c.subscriptions.Get(ctx, job.SubscriptionID)
	if err != nil {
		c.failJob(ctx, jobID, "subscription no longer exists")
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(sub.Payload, &req); err != nil {
		c.failJob(ctx, jobID, "stored orchestration request is not parseable")
		return nil, apperrors.Internal("push.replay", err)
	}
	form, err := BuildForm(&req)
	if err != nil {
		c.failJob(ctx, jobID, err.Error())
		return nil, err
	}

	resp, err := c.run(ctx, form, jobID, store.TypePush)
	if err != nil {
		return nil, err
	}
	return &PushOutcome{Subscription: sub, Response: resp}, nil
}

// run advances the job through IN_PROGRESS to a terminal state.
func (c *Core) run(ctx context.Context, form *Form, jobID, jobType string) (*Response, error) {
	logger := c.logger.With("jobId", jobID, "serviceDefinition", form.ServiceDefinition)

	if _, err := c.jobs.SetStatus(ctx, jobID, store.StatusInProgress, ""); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordOrchestrationStarted(ctx, jobType)
	}

	start := time.Now()
	resp, err := c.orchestrate(ctx, form)
	if err != nil {
		// The transition to ERROR always records a message.
		if _, serr := c.jobs.SetStatus(ctx, jobID, store.StatusError, err.Error()); serr != nil {
			logger.Error("Failed to record job error", "error", serr)
		}
		if c.metrics != nil {
			c.metrics.RecordOrchestrationCompleted(ctx, jobType, false, time.Since(start).Seconds())
		}
		logger.Warn("Orchestration failed", "error", apperrors.Detail(err))
		return nil, err
	}

	scope := "local"
	if form.Flags.OnlyInterCloud {
		scope = "intercloud"
	}
	message := fmt.Sprintf("%d %s result(s)", len(resp.Results), scope)
	if _, serr := c.jobs.SetStatus(ctx, jobID, store.StatusDone, message); serr != nil {
		logger.Error("Failed to record job completion", "error", serr)
	}
	if c.metrics != nil {
		c.metrics.RecordOrchestrationCompleted(ctx, jobType, true, time.Since(start).Seconds())
	}
	logger.Info("Orchestration done", "results", len(resp.Results), "warnings", len(resp.Warnings))

	resp.JobID = jobID
	return resp, nil
}

// failJob records a terminal failure for a job that never reached the
// execution phase. The status machine still passes through IN_PROGRESS
// so that startedAt is stamped.
func (c *Core) failJob(ctx context.Context, jobID, message string) {
	if _, err := c.jobs.SetStatus(ctx, jobID, store.StatusInProgress, ""); err != nil {
		c.logger.Error("Failed to mark job in progress", "jobId", jobID, "error", err)
		return
	}
	if _, err := c.jobs.SetStatus(ctx, jobID, store.StatusError, message); err != nil {
		c.logger.Error("Failed to record job error", "jobId", jobID, "error", err)
	}
}

// orchestrate performs the candidate pipeline for one validated form.
func (c *Core) orchestrate(ctx context.Context, form *Form) (*Response, error) {
	if form.Flags.OnlyInterCloud {
		if c.gatekeeper == nil {
			return nil, apperrors.Unavailable("gatekeeper", errors.New("intercloud orchestration is not configured"))
		}
		results, err := c.gatekeeper.Orchestrate(ctx, form)
		if err != nil {
			return nil, apperrors.Unavailable("gatekeeper", err)
		}
		return &Response{Results: results}, nil
	}

	instances, err := c.registry.Lookup(ctx, registry.Query{ServiceDefinition: form.ServiceDefinition})
	if err != nil {
		return nil, apperrors.Unavailable("registry", err)
	}
	if len(instances) == 0 {
		return nil, noProviders("no providers found for " + form.ServiceDefinition)
	}

	candidates := buildCandidates(form, instances)

	if form.Flags.OnlyPreferred {
		candidates = slices.DeleteFunc(candidates, func(cand *Candidate) bool {
			return !cand.Preferred
		})
		if len(candidates) == 0 {
			return nil, noProviders("no preferred providers found for " + form.ServiceDefinition)
		}
	}

	if form.RequestsExclusivity() {
		var err error
		candidates, err = c.excludeLocked(ctx, candidates)
		if err != nil {
			return nil, err
		}
	}

	var warnings []string
	candidates = c.qos.Apply(ctx, candidates, form.QoSRequirements, &warnings)
	if c.metrics != nil {
		for range warnings {
			c.metrics.RecordQoSWarning(ctx)
		}
	}
	if len(candidates) == 0 {
		return nil, noProviders("no providers satisfied the QoS requirements for " + form.ServiceDefinition)
	}

	selected := candidates
	if form.Flags.Matchmaking {
		winner, err := c.matchmakers[MatchmakingDefault].PickOne(form, candidates)
		if err != nil {
			return nil, err
		}
		selected = []*Candidate{winner}
	}

	results := make([]MatchedService, 0, len(selected))
	for _, cand := range selected {
		results = append(results, MatchedService{
			Provider:          cand.Instance.Provider,
			ServiceDefinition: cand.Instance.ServiceDefinition,
			ServiceInstanceID: cand.Instance.ID,
			Address:           cand.Instance.Address,
			Port:              cand.Instance.Port,
			ServiceURI:        cand.Instance.ServiceURI,
			Interface:         cand.Instance.Interface,
			Metadata:          cand.Instance.Metadata,
		})
	}

	if form.RequestsExclusivity() {
		if err := c.reserve(ctx, form, selected, results); err != nil {
			return nil, err
		}
	}

	return &Response{Results: results, Warnings: warnings}, nil
}

// excludeLocked drops candidates whose instance is already reserved.
// If every candidate is locked the whole request fails with a conflict
// naming the locked instances.
func (c *Core) excludeLocked(ctx context.Context, candidates []*Candidate) ([]*Candidate, error) {
	ids := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		ids = append(ids, cand.Instance.ID)
	}
	locked, err := c.locks.LockedInstances(ctx, ids, time.Now())
	if err != nil {
		return nil, err
	}
	if len(locked) == 0 {
		return candidates, nil
	}
	if len(locked) == len(candidates) {
		return nil, apperrors.Conflict("lock", "instances already locked: "+strings.Join(locked, ", "))
	}
	return slices.DeleteFunc(candidates, func(cand *Candidate) bool {
		return slices.Contains(locked, cand.Instance.ID)
	}), nil
}

// reserve acquires exclusivity locks for the exclusive-capable selected
// candidates as one atomic batch and annotates the results. A conflict
// here lost a race and fails the whole orchestration.
func (c *Core) reserve(ctx context.Context, form *Form, selected []*Candidate, results []MatchedService) error {
	now := time.Now().UTC()
	var locks []*store.Lock
	var lockedIdx []int
	for i, cand := range selected {
		if !cand.CanBeExclusive || cand.ExclusivityDuration <= 0 {
			continue
		}
		duration := min(form.ExclusivityDuration, cand.ExclusivityDuration)
		locks = append(locks, &store.Lock{
			ServiceInstanceID: cand.Instance.ID,
			Owner:             form.RequesterSystem,
			ExpiresAt:         now.Add(time.Duration(duration) * time.Second),
		})
		lockedIdx = append(lockedIdx, i)
	}

	created, err := c.locks.Acquire(ctx, locks)
	if err != nil {
		return err
	}
	for i, lock := range created {
		idx := lockedIdx[i]
		expires := lock.ExpiresAt
		results[idx].Exclusive = true
		results[idx].ExclusiveUntil = &expires
	}
	return nil
}

func buildCandidates(form *Form, instances []registry.ServiceInstance) []*Candidate {
	candidates := make([]*Candidate, 0, len(instances))
	for _, inst := range instances {
		candidates = append(candidates, &Candidate{
			Instance:            inst,
			Preferred:           slices.Contains(form.PreferredProviders, inst.Provider),
			CanBeExclusive:      inst.CanBeExclusive,
			ExclusivityDuration: inst.ExclusivityDuration,
		})
	}
	return candidates
}

func noProviders(message string) error {
	return &apperrors.Error{
		Sentinel: apperrors.ErrNotFound,
		Message:  message,
		Resource: "provider",
	}
}
