// Package push provides the push dispatch subsystem: a bounded worker
// pool draining an unbounded queue of pending push job ids.
package push

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"arrowmesh/internal/observability"
	"arrowmesh/internal/orchestration"
	"arrowmesh/internal/store"
)

const defaultWorkers = 5

// Runner executes one queued push job and returns the outcome to deliver.
type Runner interface {
	RunPushJob(ctx context.Context, jobID string) (*orchestration.PushOutcome, error)
}

// Notifier delivers an orchestration result to a subscription's
// notification transport.
type Notifier interface {
	Notify(ctx context.Context, sub *store.Subscription, resp *orchestration.Response) error
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth     int   // current queue size
	Queued         int64 // total job ids queued
	Executed       int64 // orchestrations completed (DONE or ERROR)
	Failed         int64 // orchestrations that ended in ERROR
	Delivered      int64 // successful notification deliveries
	DeliveryFailed int64 // notification deliveries that failed (logged, not retried)
}

// Dispatcher owns the push queue and worker pool. It is created once
// at process start and handed to subscription-trigger producers. A
// failing job never stops the dispatch loop; only Close does.
type Dispatcher struct {
	queue    *jobQueue
	runner   Runner
	notifier Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	timeout  time.Duration

	queued         atomic.Int64
	executed       atomic.Int64
	failed         atomic.Int64
	delivered      atomic.Int64
	deliveryFailed atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// Config holds dispatcher configuration.
type Config struct {
	Workers    int           // worker pool size (default: 5)
	JobTimeout time.Duration // per-job execution timeout (default: 1m)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	return c
}

// NewDispatcher creates and starts the push dispatcher.
func NewDispatcher(cfg Config, runner Runner, notifier Notifier, metrics *observability.Metrics) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		queue:    newJobQueue(),
		runner:   runner,
		notifier: notifier,
		metrics:  metrics,
		logger:   slog.With("component", "push"),
		timeout:  cfg.JobTimeout,
		shutdown: make(chan struct{}),
	}

	work := make(chan string)

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker(work)
	}

	// The dispatch loop is the single consumer of the unbounded queue.
	d.wg.Add(1)
	go d.dispatchLoop(work)

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Push dispatcher started", "workers", cfg.Workers)
	return d
}

// Enqueue hands a pending job id to the dispatcher. Never blocks.
func (d *Dispatcher) Enqueue(jobID string) {
	d.queue.enqueue(jobID)
	d.queued.Add(1)
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth:     d.queue.len(),
		Queued:         d.queued.Load(),
		Executed:       d.executed.Load(),
		Failed:         d.failed.Load(),
		Delivered:      d.delivered.Load(),
		DeliveryFailed: d.deliveryFailed.Load(),
	}
}

// QueueDepth returns the number of job ids waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.len()
}

// Close stops accepting new jobs and waits for queued ones to finish.
// The context deadline controls how long to wait for drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil // already closed
	}

	d.logger.Info("Push dispatcher shutting down", "queued", d.queue.len())
	close(d.shutdown)
	d.queue.close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Push dispatcher shutdown complete",
			"executed", d.executed.Load(),
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Push dispatcher shutdown timed out", "remaining", d.queue.len())
		return ctx.Err()
	}
}

// dispatchLoop feeds queued job ids to the worker pool. It survives
// per-job failures and terminates only when the queue is closed and
// drained.
func (d *Dispatcher) dispatchLoop(work chan<- string) {
	defer d.wg.Done()
	defer close(work)

	for {
		jobID, ok := d.queue.dequeue()
		if !ok {
			return
		}
		work <- jobID
	}
}

// worker executes push jobs and delivers their results.
func (d *Dispatcher) worker(work <-chan string) {
	defer d.wg.Done()

	for jobID := range work {
		d.process(jobID)
	}
}

func (d *Dispatcher) process(jobID string) {
	logger := d.logger.With("jobId", jobID)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	outcome, err := d.runner.RunPushJob(ctx, jobID)
	d.executed.Add(1)
	if err != nil {
		// The job already carries its ERROR state; the loop goes on.
		d.failed.Add(1)
		logger.Warn("Push orchestration failed", "error", err)
		return
	}

	start := time.Now()
	if err := d.notifier.Notify(ctx, outcome.Subscription, outcome.Response); err != nil {
		// Delivery failure never unwinds the job's terminal state.
		d.deliveryFailed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotificationFailed(ctx)
		}
		logger.Warn("Notification delivery failed",
			"subscriptionId", outcome.Subscription.ID,
			"address", outcome.Subscription.NotifyAddress,
			"error", err,
		)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotificationDelivered(ctx, time.Since(start).Seconds())
	}
	logger.Info("Push result delivered", "subscriptionId", outcome.Subscription.ID)
}

// reportQueueSize periodically reports the queue size metric.
func (d *Dispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordPushQueueSize(context.Background(), int64(d.queue.len()))
		}
	}
}

// Verify Dispatcher implements the producer-side interface.
var _ orchestration.Enqueuer = (*Dispatcher)(nil)
