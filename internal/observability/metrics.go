// Package observability provides metrics and logging utilities.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/orchestrations take
// - Traffic: Request/orchestration throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (active orchestrations, push queue)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Orchestration metrics (Latency, Traffic, Errors, Saturation)
	OrchestrationDuration    metric.Float64Histogram
	OrchestrationsTotal      metric.Int64Counter
	OrchestrationErrorsTotal metric.Int64Counter
	OrchestrationsActive     metric.Int64UpDownCounter
	QoSWarningsTotal         metric.Int64Counter

	// Push dispatch metrics (Traffic, Saturation)
	PushQueuedTotal metric.Int64Counter
	PushQueueSize   metric.Int64Gauge

	// Notification metrics (Latency, Traffic, Errors)
	NotificationDuration   metric.Float64Histogram
	NotificationsDelivered metric.Int64Counter
	NotificationsFailed    metric.Int64Counter

	// Cleaner metrics (Traffic)
	CleanerRemovedTotal metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("arrowmesh")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Orchestration metrics
	m.OrchestrationDuration, err = meter.Float64Histogram(
		"orchestration_duration_seconds",
		metric.WithDescription("Orchestration execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrchestrationsTotal, err = meter.Int64Counter(
		"orchestrations_total",
		metric.WithDescription("Total number of orchestrations started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrchestrationErrorsTotal, err = meter.Int64Counter(
		"orchestration_errors_total",
		metric.WithDescription("Total number of failed orchestrations"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrchestrationsActive, err = meter.Int64UpDownCounter(
		"orchestrations_active",
		metric.WithDescription("Number of currently running orchestrations (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QoSWarningsTotal, err = meter.Int64Counter(
		"qos_warnings_total",
		metric.WithDescription("Total number of QoS requirements that could not be verified"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Push dispatch metrics
	m.PushQueuedTotal, err = meter.Int64Counter(
		"push_queued_total",
		metric.WithDescription("Total push jobs queued for dispatch"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PushQueueSize, err = meter.Int64Gauge(
		"push_queue_size",
		metric.WithDescription("Current number of job ids in the push queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notification metrics
	m.NotificationDuration, err = meter.Float64Histogram(
		"notification_duration_seconds",
		metric.WithDescription("Push notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationsDelivered, err = meter.Int64Counter(
		"notifications_delivered_total",
		metric.WithDescription("Total push notifications successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationsFailed, err = meter.Int64Counter(
		"notifications_failed_total",
		metric.WithDescription("Total push notifications that failed to deliver"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Cleaner metrics
	m.CleanerRemovedTotal, err = meter.Int64Counter(
		"cleaner_removed_total",
		metric.WithDescription("Total expired or aged-out records removed by the cleaner"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordOrchestrationStarted records an orchestration entering IN_PROGRESS.
func (m *Metrics) RecordOrchestrationStarted(ctx context.Context, orchestrationType string) {
	attrs := metric.WithAttributes(typeAttr(orchestrationType))
	m.OrchestrationsTotal.Add(ctx, 1, attrs)
	m.OrchestrationsActive.Add(ctx, 1, attrs)
}

// RecordOrchestrationCompleted records an orchestration reaching DONE or ERROR.
func (m *Metrics) RecordOrchestrationCompleted(ctx context.Context, orchestrationType string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(typeAttr(orchestrationType), successAttr(success))
	m.OrchestrationDuration.Record(ctx, durationSeconds, attrs)
	m.OrchestrationsActive.Add(ctx, -1, metric.WithAttributes(typeAttr(orchestrationType)))

	if !success {
		m.OrchestrationErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordQoSWarning records one QoS requirement that could not be verified.
func (m *Metrics) RecordQoSWarning(ctx context.Context) {
	m.QoSWarningsTotal.Add(ctx, 1)
}

// RecordPushQueued records a push job handed to the dispatch queue.
func (m *Metrics) RecordPushQueued(ctx context.Context) {
	m.PushQueuedTotal.Add(ctx, 1)
}

// RecordPushQueueSize records the current push queue depth.
func (m *Metrics) RecordPushQueueSize(ctx context.Context, size int64) {
	m.PushQueueSize.Record(ctx, size)
}

// RecordNotificationDelivered records a successful push delivery with its duration.
func (m *Metrics) RecordNotificationDelivered(ctx context.Context, durationSeconds float64) {
	m.NotificationsDelivered.Add(ctx, 1)
	m.NotificationDuration.Record(ctx, durationSeconds)
}

// RecordNotificationFailed records a failed push delivery.
func (m *Metrics) RecordNotificationFailed(ctx context.Context) {
	m.NotificationsFailed.Add(ctx, 1)
}

// RecordCleanerRemoved records records removed by one cleaner sweep.
func (m *Metrics) RecordCleanerRemoved(ctx context.Context, resource string, count int64) {
	if count > 0 {
		m.CleanerRemovedTotal.Add(ctx, count, metric.WithAttributes(resourceAttr(resource)))
	}
}
