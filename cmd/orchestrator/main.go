// orchestrator is the HTTP API server for the dynamic orchestration engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arrowmesh/internal/api"
	"arrowmesh/internal/cleaner"
	"arrowmesh/internal/config"
	"arrowmesh/internal/health"
	"arrowmesh/internal/observability"
	"arrowmesh/internal/orchestration"
	"arrowmesh/internal/push"
	"arrowmesh/internal/registry"
	"arrowmesh/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func openStores(cfg *config.ServiceConfig) (*store.Stores, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg := config.LoadServiceConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the state store
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	slog.Info("Store opened", "backend", cfg.StoreBackend)

	// Collaborator clients
	reg := registry.NewClient(cfg.RegistryURL, cfg.RegistryTimeout)

	var gatekeeper orchestration.Gatekeeper
	if cfg.GatekeeperURL != "" {
		gatekeeper = orchestration.NewHTTPGatekeeper(cfg.GatekeeperURL, cfg.RegistryTimeout)
		slog.Info("Intercloud orchestration enabled", "gatekeeper", cfg.GatekeeperURL)
	} else {
		slog.Info("Intercloud orchestration disabled - no GATEKEEPER_URL configured")
	}

	// Orchestration core
	lockManager := orchestration.NewLockManager(stores.Locks)
	core := orchestration.NewCore(orchestration.CoreConfig{
		Jobs:          stores.Jobs,
		Subscriptions: stores.Subscriptions,
		Locks:         lockManager,
		Registry:      reg,
		QoS:           orchestration.NewQoSPipeline(reg, orchestration.NewHTTPEvaluator(cfg.QoSTimeout)),
		Gatekeeper:    gatekeeper,
		Metrics:       metrics,
	})

	// Push dispatch pipeline
	notifier := push.NewHTTPNotifier(cfg.NotifyTimeout)
	dispatcher := push.NewDispatcher(push.Config{Workers: cfg.PushWorkers}, core, notifier, metrics)

	subscriptions := orchestration.NewSubscriptionService(stores.Subscriptions, stores.Jobs, dispatcher, metrics)

	// Background cleaner
	cleanerCtx, cleanerCancel := context.WithCancel(ctx)
	defer cleanerCancel()
	go cleaner.New(stores, metrics, cfg.CleanerInterval, cfg.JobRetention).Run(cleanerCtx)

	// Create health checker
	healthChecker := health.NewChecker(stores, dispatcher)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Core:          core,
		Subscriptions: subscriptions,
		Stores:        stores,
		Locks:         lockManager,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the cleaner and drain the push dispatcher
	cleanerCancel()
	slog.Info("Draining push dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := dispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := dispatcher.Stats()
	slog.Info("Dispatcher stats",
		"executed", stats.Executed,
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"deliveryFailed", stats.DeliveryFailed,
	)

	slog.Info("Shutdown complete")
	return nil
}
