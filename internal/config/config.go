// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the orchestration engine.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	StoreBackend string // "memory" or "sqlite"
	StoreDSN     string // SQLite DSN, ignored for memory backend

	RegistryURL   string // service-registry query endpoint
	GatekeeperURL string // intercloud gatekeeper, empty disables intercloud orchestration

	RegistryTimeout time.Duration // per-call timeout for registry lookups
	QoSTimeout      time.Duration // per-call timeout for QoS evaluator calls
	NotifyTimeout   time.Duration // per-call timeout for push notifications

	PushWorkers     int           // push dispatch worker pool size
	CleanerInterval time.Duration // sweep interval for expired state
	JobRetention    time.Duration // how long finished jobs are kept
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8441"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		StoreBackend: GetEnv("STORE_BACKEND", "memory"),
		StoreDSN:     GetEnv("STORE_DSN", "file:orchestration.db?_busy_timeout=5000"),

		RegistryURL:   GetEnv("REGISTRY_URL", "http://localhost:8443/serviceregistry/query"),
		GatekeeperURL: GetEnv("GATEKEEPER_URL", ""),

		RegistryTimeout: GetDurationEnv("REGISTRY_TIMEOUT", 10*time.Second),
		QoSTimeout:      GetDurationEnv("QOS_TIMEOUT", 5*time.Second),
		NotifyTimeout:   GetDurationEnv("NOTIFY_TIMEOUT", 10*time.Second),

		PushWorkers:     GetIntEnv("PUSH_WORKERS", 5),
		CleanerInterval: GetDurationEnv("CLEANER_INTERVAL", time.Minute),
		JobRetention:    GetDurationEnv("JOB_RETENTION", 24*time.Hour),
	}
}
