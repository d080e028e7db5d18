// Package api provides the HTTP API handlers and routing for the
// orchestration service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arrowmesh/internal/apperrors"
	"arrowmesh/internal/health"
	"arrowmesh/internal/orchestration"
	"arrowmesh/internal/store"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the orchestration API
type Handler struct {
	core   *orchestration.Core
	subs   *orchestration.SubscriptionService
	jobs   store.JobStore
	locks  *orchestration.LockManager
	lockDB store.LockStore
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(core *orchestration.Core, subs *orchestration.SubscriptionService, stores *store.Stores, locks *orchestration.LockManager, healthChecker *health.Checker) *Handler {
	return &Handler{
		core:   core,
		subs:   subs,
		jobs:   stores.Jobs,
		locks:  locks,
		lockDB: stores.Locks,
		health: healthChecker,
	}
}

// Orchestrate handles POST /v1/orchestration - synchronous pull orchestration.
func (h *Handler) Orchestrate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req orchestration.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.core.Pull(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Subscribe handles POST /v1/subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req orchestration.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	view, err := h.subs.Subscribe(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, view)
}

// GetSubscription handles GET /v1/subscriptions/{subscriptionId}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("subscriptionId")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Subscription ID is required")
		return
	}

	view, err := h.subs.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// DeleteSubscription handles DELETE /v1/subscriptions/{subscriptionId}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("subscriptionId")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Subscription ID is required")
		return
	}

	if err := h.subs.Unsubscribe(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type triggerRequest struct {
	ServiceDefinition string `json:"serviceDefinition"`
}

type triggerResponse struct {
	Queued int `json:"queued"`
}

// Trigger handles POST /v1/triggers - queues a push job for every active
// subscription on the service definition.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	queued, err := h.subs.Trigger(r.Context(), req.ServiceDefinition)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, triggerResponse{Queued: queued})
}

// jobView is the API representation of a job.
type jobView struct {
	ID                string     `json:"id"`
	RequesterSystem   string     `json:"requesterSystem"`
	TargetSystem      string     `json:"targetSystem"`
	ServiceDefinition string     `json:"serviceDefinition"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	SubscriptionID    string     `json:"subscriptionId,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	FinishedAt        *time.Time `json:"finishedAt,omitempty"`
	Message           string     `json:"message,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

func toJobView(job *store.Job) jobView {
	return jobView{
		ID:                job.ID,
		RequesterSystem:   job.RequesterSystem,
		TargetSystem:      job.TargetSystem,
		ServiceDefinition: job.ServiceDefinition,
		Type:              job.Type,
		Status:            string(job.Status),
		SubscriptionID:    job.SubscriptionID,
		StartedAt:         job.StartedAt,
		FinishedAt:        job.FinishedAt,
		Message:           job.Message,
		CreatedAt:         job.CreatedAt,
	}
}

// ListJobs handles GET /v1/jobs with optional filters:
// status (comma-separated), requesterSystem, serviceDefinition, subscriptionId.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.JobFilter{
		RequesterSystem:   q.Get("requesterSystem"),
		ServiceDefinition: q.Get("serviceDefinition"),
		SubscriptionID:    q.Get("subscriptionId"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := store.Status(strings.ToUpper(strings.TrimSpace(s)))
			if !store.ValidStatus(status) {
				h.writeError(w, http.StatusBadRequest, "Unknown status "+string(status))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	jobs, err := h.jobs.Query(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, toJobView(job))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toJobView(job))
}

// lockView is the API representation of an exclusivity lock.
type lockView struct {
	ID                int64     `json:"id"`
	ServiceInstanceID string    `json:"serviceInstanceId"`
	Owner             string    `json:"owner"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

func toLockView(l *store.Lock) lockView {
	return lockView{
		ID:                l.ID,
		ServiceInstanceID: l.ServiceInstanceID,
		Owner:             l.Owner,
		ExpiresAt:         l.ExpiresAt,
	}
}

// ListLocks handles GET /v1/locks
func (h *Handler) ListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.lockDB.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	views := make([]lockView, 0, len(locks))
	for _, l := range locks {
		views = append(views, toLockView(l))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"locks": views})
}

type createLockRequest struct {
	ServiceInstanceID string `json:"serviceInstanceId"`
	Owner             string `json:"owner"`
	DurationSeconds   int    `json:"durationSeconds"`
}

// CreateLock handles POST /v1/locks - an operator-initiated reservation
// that goes through the same acquisition protocol as orchestration.
func (h *Handler) CreateLock(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req createLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.ServiceInstanceID) == "" {
		h.writeError(w, http.StatusBadRequest, "serviceInstanceId is required")
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		h.writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	if req.DurationSeconds <= 0 {
		h.writeError(w, http.StatusBadRequest, "durationSeconds must be positive")
		return
	}

	created, err := h.locks.Acquire(r.Context(), []*store.Lock{{
		ServiceInstanceID: strings.TrimSpace(req.ServiceInstanceID),
		Owner:             strings.TrimSpace(req.Owner),
		ExpiresAt:         time.Now().UTC().Add(time.Duration(req.DurationSeconds) * time.Second),
	}})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toLockView(created[0]))
}

// DeleteLock handles DELETE /v1/locks/{lockId}
func (h *Handler) DeleteLock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("lockId"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Lock ID must be an integer")
		return
	}

	if err := h.lockDB.Delete(r.Context(), []int64{id}); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the store backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", apperrors.Detail(err), "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
