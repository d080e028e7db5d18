// Package cleaner removes expired and aged-out records on a fixed
// interval: expired subscriptions first, then expired locks, then
// terminal jobs older than the retention window.
package cleaner

import (
	"context"
	"log/slog"
	"time"

	"arrowmesh/internal/observability"
	"arrowmesh/internal/store"
)

// Cleaner sweeps the stores periodically. One failed sweep aborts the
// current run; the next tick starts over from the beginning.
type Cleaner struct {
	stores    *store.Stores
	metrics   *observability.Metrics
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration // how long DONE/ERROR jobs are kept
	now       func() time.Time
}

// New creates a cleaner. It does not start sweeping until Run is called.
func New(stores *store.Stores, metrics *observability.Metrics, interval, retention time.Duration) *Cleaner {
	return &Cleaner{
		stores:    stores,
		metrics:   metrics,
		logger:    slog.With("component", "cleaner"),
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Run sweeps on every tick until the context is canceled. Intended to
// be called in its own goroutine.
func (c *Cleaner) Run(ctx context.Context) {
	c.logger.Info("Cleaner started", "interval", c.interval, "jobRetention", c.retention)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Cleaner stopped")
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Warn("Cleaner sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one full pass. It stops at the first failing stage so
// a broken backend does not get hammered three times per tick.
func (c *Cleaner) Sweep(ctx context.Context) error {
	now := c.now()

	removed, err := c.stores.Subscriptions.DeleteExpiredBefore(ctx, now)
	if err != nil {
		return err
	}
	c.record(ctx, "subscriptions", removed)

	removed, err = c.stores.Locks.DeleteExpiredBefore(ctx, now)
	if err != nil {
		return err
	}
	c.record(ctx, "locks", removed)

	removed, err = c.sweepJobs(ctx, now)
	if err != nil {
		return err
	}
	c.record(ctx, "jobs", removed)

	return nil
}

// sweepJobs removes terminal jobs whose FinishedAt is older than the
// retention window. Jobs without a finish stamp are never touched.
func (c *Cleaner) sweepJobs(ctx context.Context, now time.Time) (int, error) {
	jobs, err := c.stores.Jobs.GetAllByStatusIn(ctx, []store.Status{store.StatusDone, store.StatusError})
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-c.retention)
	var aged []string
	for _, job := range jobs {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			aged = append(aged, job.ID)
		}
	}
	if len(aged) == 0 {
		return 0, nil
	}

	if err := c.stores.Jobs.DeleteInBatch(ctx, aged); err != nil {
		return 0, err
	}
	return len(aged), nil
}

func (c *Cleaner) record(ctx context.Context, resource string, count int) {
	if count == 0 {
		return
	}
	c.logger.Info("Removed expired records", "resource", resource, "count", count)
	if c.metrics != nil {
		c.metrics.RecordCleanerRemoved(ctx, resource, int64(count))
	}
}
