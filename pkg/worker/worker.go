package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/pkg/api"
)

// DefaultPollInterval is how long a worker sleeps after an empty poll.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultHousekeepingInterval is how often a running worker sweeps overdue
// interaction requests and stale job leases.
const DefaultHousekeepingInterval = 30 * time.Second

// Config tunes a Worker. The zero value gets sensible defaults from New.
type Config struct {
	// ID identifies this worker in job leases. Defaults to a random ID.
	ID string

	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration

	// HousekeepingInterval is the period of the expiry/recovery sweep.
	// Zero disables housekeeping for this worker.
	HousekeepingInterval time.Duration

	Logger *slog.Logger
}

// Worker pulls jobs from an orchestrator's queue in a loop. Any number of
// workers may run against the same store; the lease protocol guarantees each
// job is processed by one worker at a time.
type Worker struct {
	orch api.Orchestrator
	cfg  Config
}

// New creates a Worker for the given orchestrator.
func New(orch api.Orchestrator, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{orch: orch, cfg: cfg}
}

// ID returns the worker's lease identity.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// ProcessOne claims and runs at most one job. It reports whether a job was
// processed; (false, nil) means the queue had nothing eligible.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.orch.ProcessNextJob(ctx, w.cfg.ID)
	if err != nil {
		return false, err
	}
	return job != nil, nil
}

// Drain processes jobs until the queue has nothing eligible or ctx is done.
// It returns the number of jobs processed. Useful for tests and batch-style
// callers that want to settle a flow synchronously.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		ok, err := w.ProcessOne(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++
	}
}

// Run polls for jobs until ctx is cancelled, sleeping PollInterval between
// empty polls and running the housekeeping sweep on its own ticker. It
// returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.cfg.Logger.InfoContext(ctx, "worker started",
		slog.String("worker_id", w.cfg.ID),
		slog.Duration("poll_interval", w.cfg.PollInterval),
	)

	var housekeeping <-chan time.Time
	if w.cfg.HousekeepingInterval > 0 {
		ticker := time.NewTicker(w.cfg.HousekeepingInterval)
		defer ticker.Stop()
		housekeeping = ticker.C
	}

	idle := time.NewTimer(0)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			w.cfg.Logger.InfoContext(ctx, "worker stopped", slog.String("worker_id", w.cfg.ID))
			return nil
		case <-housekeeping:
			w.housekeep(ctx)
		case <-idle.C:
			ok, err := w.ProcessOne(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				w.cfg.Logger.ErrorContext(ctx, "job processing failed",
					slog.String("worker_id", w.cfg.ID),
					slog.Any("error", err),
				)
			}
			if ok {
				idle.Reset(0)
			} else {
				idle.Reset(w.cfg.PollInterval)
			}
		}
	}
}

// housekeep expires overdue interaction requests and recovers stale leases.
func (w *Worker) housekeep(ctx context.Context) {
	expired, err := w.orch.ExpireOverdueRequests(ctx, time.Now())
	if err != nil {
		w.cfg.Logger.ErrorContext(ctx, "expiry sweep failed", slog.Any("error", err))
	} else if expired > 0 {
		w.cfg.Logger.InfoContext(ctx, "expired interaction requests", slog.Int("count", expired))
	}

	recovered, err := w.orch.RecoverStaleJobs(ctx)
	if err != nil {
		w.cfg.Logger.ErrorContext(ctx, "lease recovery failed", slog.Any("error", err))
	} else if recovered > 0 {
		w.cfg.Logger.InfoContext(ctx, "recovered stale jobs", slog.Int("count", recovered))
	}
}

// RunPool starts n workers sharing one orchestrator and blocks until ctx is
// cancelled and all workers have stopped.
func RunPool(ctx context.Context, orch api.Orchestrator, n int, cfg Config) error {
	if n <= 0 {
		return fmt.Errorf("worker pool size must be positive, got %d", n)
	}

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wcfg := cfg
		if wcfg.ID != "" {
			wcfg.ID = fmt.Sprintf("%s-%d", cfg.ID, i)
		}
		// Only one worker per pool runs the housekeeping sweep.
		if i == 0 {
			if wcfg.HousekeepingInterval == 0 {
				wcfg.HousekeepingInterval = DefaultHousekeepingInterval
			}
		} else {
			wcfg.HousekeepingInterval = 0
		}
		go func() {
			errs <- New(orch, wcfg).Run(ctx)
		}()
	}

	var first error
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}
