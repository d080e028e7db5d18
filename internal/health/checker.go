// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by store backends to verify they can serve requests.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// PushQueue reports the number of push jobs waiting for a worker.
type PushQueue interface {
	QueueDepth() int
}

// maxPushQueueDepth is the backlog beyond which the instance stops
// accepting new traffic until the workers catch up.
const maxPushQueueDepth = 10000

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on dependencies.
type Checker struct {
	store   ReadinessChecker
	queue   PushQueue
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker. queue may be nil, in which
// case push queue saturation is not checked.
func NewChecker(store ReadinessChecker, queue PushQueue) *Checker {
	return &Checker{
		store:   store,
		queue:   queue,
		timeout: 5 * time.Second,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// This checks the store backend.
// Failing this probe should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the backend)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult)
	overallStatus := StatusHealthy

	storeCheck := c.checkStore(ctx)
	checks["store"] = storeCheck
	if storeCheck.Status != StatusHealthy {
		overallStatus = StatusUnhealthy
	}

	if c.queue != nil {
		queueCheck := c.checkPushQueue()
		checks["pushQueue"] = queueCheck
		if queueCheck.Status != StatusHealthy {
			overallStatus = StatusUnhealthy
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	// Cache the result
	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

// checkStore verifies the store backend can serve requests.
func (c *Checker) checkStore(ctx context.Context) CheckResult {
	if c.store == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "store not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.store.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

// checkPushQueue reports saturation of the push dispatch queue.
func (c *Checker) checkPushQueue() CheckResult {
	depth := c.queue.QueueDepth()
	if depth > maxPushQueueDepth {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("push queue saturated: %d jobs queued", depth),
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d jobs queued", depth),
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
