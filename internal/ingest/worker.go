// Package ingest holds the background work that keeps the memory index in
// step with the conversation store, and the bulk import reader.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/recall/internal/memory"
)

// Repairer is the part of memory.Service the worker drives.
type Repairer interface {
	Stale() bool
	Repair(ctx context.Context) (memory.Stats, error)
}

const maxBackoff = 5 * time.Minute

// RepairWorker polls the memory service and rebuilds a stale index, backing
// off exponentially while rebuilds keep failing.
type RepairWorker struct {
	svc      Repairer
	poll     time.Duration
	logger   *slog.Logger
	failures int
	nextTry  time.Time
	now      func() time.Time
}

// NewRepairWorker creates a RepairWorker.
// If pollInterval is <= 0, it defaults to 30s.
func NewRepairWorker(svc Repairer, pollInterval time.Duration) *RepairWorker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &RepairWorker{
		svc:    svc,
		poll:   pollInterval,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled.
func (w *RepairWorker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("index repair failed", "error", err, "failures", w.failures, "retry_at", w.nextTry)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce repairs the index if it is stale and the backoff has elapsed.
// Returns true if a repair was attempted.
func (w *RepairWorker) RunOnce(ctx context.Context) (bool, error) {
	if !w.svc.Stale() {
		w.failures = 0
		return false, nil
	}
	if w.now().Before(w.nextTry) {
		return false, nil
	}

	stats, err := w.svc.Repair(ctx)
	if err != nil {
		w.failures++
		w.nextTry = w.now().Add(w.backoff())
		return true, fmt.Errorf("repairing index: %w", err)
	}

	w.failures = 0
	w.nextTry = time.Time{}
	w.logger.Info("stale index repaired", "entries", stats.IndexEntries, "generation", stats.Generation)
	return true, nil
}

func (w *RepairWorker) backoff() time.Duration {
	d := w.poll
	for i := 1; i < w.failures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
