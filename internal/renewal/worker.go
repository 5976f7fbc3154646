// Package renewal runs the background worker that refreshes tokens
// before they expire, so callers rarely hit a refresh on the hot path.
// The storage CAS protocol still guards every individual refresh; the
// worker only decides what to try.
package renewal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"auth-broker/internal/adapters"
	"auth-broker/internal/common/errors"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/lifecycle"
	"auth-broker/internal/locks"
	"auth-broker/internal/storage"
)

const (
	// DefaultSchedule is the scan cadence.
	DefaultSchedule = "@every 1m"

	// DefaultThreshold is how far ahead of expiry a token becomes a
	// renewal candidate.
	DefaultThreshold = 5 * time.Minute

	// A scan that outlives this is abandoned.
	scanTimeout = 50 * time.Second
)

// Config holds the worker's construction parameters.
type Config struct {
	Schedule  string
	Threshold time.Duration

	Coordinator *lifecycle.Coordinator
	Store       storage.Storage
	AdapterDeps adapters.Deps

	// Locks elects a single scanning instance per cycle when set. Nil
	// lets every instance scan; the CAS protocol keeps that correct,
	// just noisier.
	Locks *locks.Manager

	Logger logging.Logger
}

// Worker scans the token cache on a schedule and refreshes entries
// close to expiry.
type Worker struct {
	schedule  string
	threshold time.Duration

	coordinator *lifecycle.Coordinator
	store       storage.Storage
	adapterDeps adapters.Deps
	locks       *locks.Manager
	logger      logging.Logger

	cron    *cron.Cron
	running int32
}

// NewWorker creates a renewal worker. Zero-valued schedule and
// threshold fall back to the defaults.
func NewWorker(config Config) *Worker {
	schedule := config.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}

	threshold := config.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Worker{
		schedule:    schedule,
		threshold:   threshold,
		coordinator: config.Coordinator,
		store:       config.Store,
		adapterDeps: config.AdapterDeps,
		locks:       config.Locks,
		logger:      logger,
		cron:        cron.New(),
	}
}

// Start schedules the scan and returns immediately.
func (w *Worker) Start() error {
	if _, err := w.cron.AddFunc(w.schedule, w.tick); err != nil {
		return errors.ConfigError("invalid renewal schedule: " + w.schedule)
	}

	w.cron.Start()
	w.logger.Info("Renewal worker started",
		logging.Field{Key: "schedule", Value: w.schedule},
		logging.Field{Key: "threshold", Value: w.threshold.String()},
	)

	return nil
}

// Stop halts the schedule and waits for a running scan to finish.
func (w *Worker) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
	w.logger.Info("Renewal worker stopped")
}

// tick runs one scheduled scan. A tick that finds the previous scan
// still running skips instead of piling up.
func (w *Worker) tick() {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		w.logger.Warn("Skipping renewal scan, previous scan still running")
		return
	}
	defer atomic.StoreInt32(&w.running, 0)

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	if w.locks != nil {
		lock, err := w.locks.AcquireScanLock(ctx)
		if err != nil {
			// Another instance scans this cycle
			w.logger.Debug("Renewal scan lock held elsewhere, skipping cycle")
			return
		}
		defer lock.Release(ctx)
	}

	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error("Renewal scan failed", err)
	}
}

// RunOnce performs a single scan over the expiring tokens. Individual
// refresh failures are logged and audited but never abort the scan.
func (w *Worker) RunOnce(ctx context.Context) error {
	entries, err := w.coordinator.ExpiringSoon(ctx, w.threshold)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	refreshed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if w.renewOne(ctx, entry) {
			refreshed++
		}
	}

	w.logger.Info("Renewal scan complete",
		logging.Field{Key: "candidates", Value: len(entries)},
		logging.Field{Key: "refreshed", Value: refreshed},
	)

	return nil
}

func (w *Worker) renewOne(ctx context.Context, entry *storage.TokenEntry) bool {
	config, err := w.store.GetCredentialConfig(ctx, entry.AdapterID)
	if err != nil {
		// Orphaned cache entry; drop it so the scan stops finding it
		if errors.IsType(err, errors.ErrTypeNotFound) {
			w.logger.Warn("Dropping token for deleted credential config",
				logging.Field{Key: "adapter_id", Value: entry.AdapterID},
			)
			if err := w.coordinator.Invalidate(ctx, entry.AdapterID); err != nil {
				w.logger.Error("Failed to drop orphaned token", err,
					logging.Field{Key: "adapter_id", Value: entry.AdapterID},
				)
			}
			return false
		}

		w.logger.Error("Failed to load credential config", err,
			logging.Field{Key: "adapter_id", Value: entry.AdapterID},
		)
		return false
	}

	if !config.Active {
		return false
	}

	adapter, err := adapters.Build(config, w.adapterDeps)
	if err != nil {
		w.logger.Error("Failed to build adapter for renewal", err,
			logging.Field{Key: "adapter_id", Value: entry.AdapterID},
		)
		return false
	}

	won, err := w.coordinator.RefreshWithLock(ctx, adapter)
	if err != nil {
		// Already audited by the coordinator; the stale token stays
		// until its hard expiry or a later successful refresh.
		w.logger.Error("Preemptive refresh failed", err,
			logging.Field{Key: "adapter_id", Value: entry.AdapterID},
		)
		return false
	}

	return won
}
