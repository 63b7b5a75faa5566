package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Job is one reconciliation pass.
type Job interface {
	Reconcile(ctx context.Context) (*Report, error)
}

// Runner runs a Job immediately and then on a fixed interval.
type Runner struct {
	job      Job
	interval time.Duration
}

func NewRunner(job Job, interval time.Duration) *Runner {
	return &Runner{job: job, interval: interval}
}

// Run blocks until ctx is cancelled. Failed runs are logged and retried on
// the next tick.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("reconciler runner started", "interval", r.interval)

	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler runner stopped")
			return nil
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	report, err := r.job.Reconcile(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		slog.Info("reconciler: another run holds the lock, skipping")
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		attrs := []any{"error", err}
		if report != nil {
			attrs = append(attrs, "run_id", report.RunID, "selected", report.Selected, "billed", report.Billed)
		}
		slog.Error("reconciler: run aborted", attrs...)
	default:
		LogReport(report)
	}
}

// LogReport writes a run report at INFO.
func LogReport(report *Report) {
	slog.Info("reconciler: run finished",
		"run_id", report.RunID,
		"selected", report.Selected,
		"billed", report.Billed,
		"duplicates", report.Duplicates,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"dead_lettered", report.DeadLettered,
		"unpriced", report.Unpriced,
		"marked_processed", report.MarkedProcessed,
		"total_cost", report.TotalCost.String(),
		"dry_run", report.DryRun,
		"duration", report.Duration,
	)
}
