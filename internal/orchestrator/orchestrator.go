// Package orchestrator schedules records onto a bounded worker pool and runs
// each one through generation, validation, uniqueness and persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/copyforge/internal/checkpoint"
	"github.com/lamim/copyforge/internal/metrics"
	"github.com/lamim/copyforge/internal/prompt"
	"github.com/lamim/copyforge/internal/provider"
	"github.com/lamim/copyforge/internal/records"
	"github.com/lamim/copyforge/internal/report"
	"github.com/lamim/copyforge/internal/uniqueness"
	"github.com/lamim/copyforge/internal/validator"
	"github.com/lamim/copyforge/internal/writer"
	"github.com/lamim/copyforge/pkg/models"
)

// Generator turns a prompt into text, failing over between providers.
// *router.Router satisfies it.
type Generator interface {
	Generate(ctx context.Context, p provider.Prompt) (*models.GenerationAttempt, error)
}

// Options controls one run
type Options struct {
	Concurrency   int
	PageSize      int
	Limit         int // 0 = no cap
	ScanFactor    int // With a cap, scan at most Limit*ScanFactor records
	Resume        bool
	Force         bool
	DryRun        bool
	OnlyID        string
	ShutdownGrace time.Duration
	FlushInterval time.Duration // Fingerprint flush period, zero = only at the end
	ShowProgress  bool
}

// Deps are the collaborators a run needs. Writer is unused in dry runs and
// Preview is unused otherwise.
type Deps struct {
	Source      records.Source
	Writer      records.Writer
	Preview     *writer.JSONLWriter
	Eligibility records.Eligibility
	Checkpoint  *checkpoint.Manager
	Generator   Generator
	Prompts     *prompt.Builder
	Validator   *validator.Validator
	Guard       *uniqueness.Guard
	Reporter    *report.Reporter
	Metrics     *metrics.Collector
}

// Orchestrator manages the generation run
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates an orchestrator
func New(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 100
	}
	if opts.ScanFactor < 1 {
		opts.ScanFactor = 50
	}
	if opts.OnlyID != "" {
		opts.Limit = 1
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "orchestrator"),
		now:    time.Now,
	}
}

// Run processes records until the source is exhausted, the cap is reached or
// ctx is cancelled. Cancelling ctx stops scheduling; in-flight tasks get
// ShutdownGrace to finish before their context is cancelled too. Task
// failures are recorded, not returned. The returned error is reserved for
// source and checkpoint failures.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Starting run",
		"run_id", o.deps.Reporter.RunID(),
		"concurrency", o.opts.Concurrency,
		"limit", o.opts.Limit,
		"resume", o.opts.Resume,
		"force", o.opts.Force,
		"dry_run", o.opts.DryRun,
		"only_id", o.opts.OnlyID)

	// Workers outlive a stop request by up to ShutdownGrace
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	done := make(chan struct{})
	defer close(done)
	go o.watchShutdown(ctx, done, cancelWork)
	go o.flushFingerprints(workCtx, done)

	bar := o.newProgressBar()
	tasks := make(chan models.GenerationTask)

	g := new(errgroup.Group)
	g.Go(func() error {
		return o.produce(ctx, tasks)
	})
	for i := 0; i < o.opts.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			o.worker(ctx, workCtx, workerID, tasks, bar)
			return nil
		})
	}
	runErr := g.Wait()
	_ = bar.Finish()

	if ctx.Err() != nil {
		o.logger.Warn("Run stopped before the source was exhausted")
	}

	// Final persistence must not depend on the cancelled contexts
	flushCtx := context.WithoutCancel(ctx)
	if err := o.deps.Guard.Flush(flushCtx); err != nil {
		o.logger.Error("Failed to persist fingerprints", "error", err)
		runErr = errors.Join(runErr, fmt.Errorf("flush fingerprints: %w", err))
	}
	if err := o.deps.Checkpoint.Flush(flushCtx); err != nil {
		o.logger.Error("Failed to flush checkpoint", "error", err)
		runErr = errors.Join(runErr, fmt.Errorf("flush checkpoint: %w", err))
	}

	o.deps.Reporter.Finish()
	o.deps.Reporter.Summary(o.logger)
	return runErr
}

func (o *Orchestrator) watchShutdown(ctx context.Context, done <-chan struct{}, cancelWork context.CancelFunc) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	o.logger.Warn("Stop requested, waiting for in-flight tasks", "grace", o.opts.ShutdownGrace)
	timer := time.NewTimer(o.opts.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Warn("Shutdown grace period elapsed, cancelling in-flight tasks")
		cancelWork()
	}
}

func (o *Orchestrator) flushFingerprints(ctx context.Context, done <-chan struct{}) {
	if o.opts.FlushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := o.deps.Guard.Flush(ctx); err != nil {
				o.logger.Warn("Failed to persist fingerprints, will retry", "error", err)
			}
		}
	}
}

func (o *Orchestrator) newProgressBar() *progressbar.ProgressBar {
	total := int64(-1)
	if o.opts.Limit > 0 {
		total = int64(o.opts.Limit)
	}
	if !o.opts.ShowProgress {
		return progressbar.DefaultSilent(total, "Generating")
	}
	return progressbar.Default(total, "Generating")
}

// produce pages through the source and feeds eligible tasks to the workers.
// It closes tasks when done.
func (o *Orchestrator) produce(ctx context.Context, tasks chan<- models.GenerationTask) error {
	defer close(tasks)

	if o.opts.OnlyID != "" {
		rec, err := o.deps.Source.Get(ctx, o.opts.OnlyID)
		if err != nil {
			return fmt.Errorf("load record %s: %w", o.opts.OnlyID, err)
		}
		o.deps.Reporter.Scanned()
		o.consider(ctx, *rec, 1, tasks)
		return nil
	}

	limit := o.opts.Limit
	maxScan := 0
	if limit > 0 {
		maxScan = limit * o.opts.ScanFactor
	}

	offset, scanned, enqueued := 0, 0, 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		page, err := o.deps.Source.FetchPage(ctx, offset, o.opts.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch records at offset %d: %w", offset, err)
		}
		if page.Rows == 0 {
			o.logger.Info("Record source exhausted", "scanned", scanned, "enqueued", enqueued)
			return nil
		}
		offset += page.Rows

		for _, rec := range page.Records {
			if limit > 0 && enqueued >= limit {
				o.logger.Info("Item cap reached", "limit", limit, "scanned", scanned)
				return nil
			}
			if maxScan > 0 && scanned >= maxScan {
				o.logger.Warn("Scan bound reached before the item cap", "scanned", scanned, "enqueued", enqueued, "limit", limit)
				return nil
			}
			scanned++
			o.deps.Reporter.Scanned()

			if o.consider(ctx, rec, enqueued+1, tasks) {
				enqueued++
			} else if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// consider applies the eligibility filters in order and enqueues the record
// if it passes. It reports whether a task was sent.
func (o *Orchestrator) consider(ctx context.Context, rec models.Record, seq int, tasks chan<- models.GenerationTask) bool {
	if o.opts.Resume && o.deps.Checkpoint.IsDone(rec.ID) {
		o.deps.Reporter.AlreadyDone()
		return false
	}

	if rec.HasOutput() && !o.opts.Force {
		o.skip(rec.ID, models.StatusSkippedExisting)
		return false
	}

	facts, ok := o.deps.Eligibility.Check(rec)
	if !ok {
		o.skip(rec.ID, models.StatusSkippedIneligible)
		return false
	}

	if ctx.Err() != nil {
		return false
	}
	select {
	case tasks <- models.NewTask(rec, facts, seq):
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) skip(id string, status models.CheckpointStatus) {
	o.deps.Checkpoint.Upsert(id, models.CheckpointEntry{Status: status})
	o.deps.Reporter.Outcome(status)
	o.deps.Metrics.IncrementOutcome(string(status))
	o.logger.Debug("Skipped record", "record_id", id, "status", status)
}
