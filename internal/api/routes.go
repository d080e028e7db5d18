package api

import (
	"net/http"

	"arrowmesh/internal/health"
	"arrowmesh/internal/observability"
	"arrowmesh/internal/orchestration"
	"arrowmesh/internal/store"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Core          *orchestration.Core
	Subscriptions *orchestration.SubscriptionService
	Stores        *store.Stores
	Locks         *orchestration.LockManager
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Core, cfg.Subscriptions, cfg.Stores, cfg.Locks, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Service endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	protect := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}

	mux.Handle("POST /v1/orchestration", protect(handler.Orchestrate))

	mux.Handle("POST /v1/subscriptions", protect(handler.Subscribe))
	mux.Handle("GET /v1/subscriptions/{subscriptionId}", protect(handler.GetSubscription))
	mux.Handle("DELETE /v1/subscriptions/{subscriptionId}", protect(handler.DeleteSubscription))

	mux.Handle("POST /v1/triggers", protect(handler.Trigger))

	mux.Handle("GET /v1/jobs", protect(handler.ListJobs))
	mux.Handle("GET /v1/jobs/{jobId}", protect(handler.GetJob))

	mux.Handle("GET /v1/locks", protect(handler.ListLocks))
	mux.Handle("POST /v1/locks", protect(handler.CreateLock))
	mux.Handle("DELETE /v1/locks/{lockId}", protect(handler.DeleteLock))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
