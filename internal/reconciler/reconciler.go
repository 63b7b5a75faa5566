package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llmgate/llmgate/internal/billing"
	"github.com/llmgate/llmgate/internal/clock"
	"github.com/llmgate/llmgate/internal/metrics"
	inats "github.com/llmgate/llmgate/internal/nats"
	"github.com/llmgate/llmgate/internal/pricing"
)

// ErrStoreUnavailable aborts a run. Nothing is marked processed, and the
// whole batch is retried on the next run.
var ErrStoreUnavailable = errors.New("reconciler: store unavailable")

var (
	errSkipped   = errors.New("record skipped")
	errMalformed = errors.New("malformed record")
)

const (
	DefaultMaxAttempts   = 5
	DefaultRecordTimeout = 10 * time.Second
	maxErrorLength       = 500
)

// Ledger appends billing records. Append reports false when the usage id
// was already billed.
type Ledger interface {
	Append(ctx context.Context, rec *billing.Record) (bool, error)
}

// AuditPublisher receives billing events.
type AuditPublisher interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

// Config tunes a reconciler.
type Config struct {
	// BatchSize caps how many rows one run selects. 0 means no limit.
	BatchSize     int
	MaxAttempts   int
	RecordTimeout time.Duration
	// DryRun prices records and reports without writing anything.
	DryRun bool
}

// Report summarises one run.
type Report struct {
	RunID           uuid.UUID       `json:"run_id"`
	Selected        int             `json:"selected"`
	Billed          int             `json:"billed"`
	Duplicates      int             `json:"duplicates"`
	Skipped         int             `json:"skipped"`
	Failed          int             `json:"failed"`
	DeadLettered    int             `json:"dead_lettered"`
	Unpriced        int             `json:"unpriced"`
	MarkedProcessed int64           `json:"marked_processed"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	DryRun          bool            `json:"dry_run"`
	StartedAt       time.Time       `json:"started_at"`
	Duration        time.Duration   `json:"duration"`
}

// Reconciler turns raw usage rows into billing records.
type Reconciler struct {
	usage  UsageLog
	ledger Ledger
	prices pricing.Source
	lock   Lock
	events AuditPublisher
	clock  clock.Clock
	cfg    Config
}

func New(usage UsageLog, ledger Ledger, prices pricing.Source, cfg Config) *Reconciler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	return &Reconciler{
		usage:  usage,
		ledger: ledger,
		prices: prices,
		clock:  clock.NewReal(nil),
		cfg:    cfg,
	}
}

// WithLock makes runs take the given lock first.
func (r *Reconciler) WithLock(l Lock) *Reconciler {
	r.lock = l
	return r
}

// WithEvents publishes an audit event per billed or dead-lettered record.
func (r *Reconciler) WithEvents(p AuditPublisher) *Reconciler {
	r.events = p
	return r
}

func (r *Reconciler) WithClock(c clock.Clock) *Reconciler {
	r.clock = c
	return r
}

// Reconcile runs one batch. Per-record problems are counted in the report;
// an unreachable store aborts the run with ErrStoreUnavailable and a partial
// report. ErrAlreadyRunning is returned when another run holds the lock.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.New(),
		StartedAt: r.clock.Now(),
		TotalCost: decimal.Zero,
		DryRun:    r.cfg.DryRun,
	}
	log := slog.With("run_id", report.RunID)

	if r.lock != nil {
		release, err := r.lock.Acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				metrics.ReconcilerRunsTotal.WithLabelValues("locked").Inc()
				return nil, err
			}
			metrics.ReconcilerRunsTotal.WithLabelValues("aborted").Inc()
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		defer release()
	}

	batch, err := r.usage.Begin(ctx)
	if err != nil {
		return r.abort(ctx, nil, report, err)
	}

	pending, err := batch.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return r.abort(ctx, batch, report, err)
	}
	report.Selected = len(pending)

	table := r.prices.Current()
	processed := make([]string, 0, len(pending))

	for _, u := range pending {
		rec, err := r.price(u, table, report)
		if err != nil {
			if errors.Is(err, errSkipped) {
				report.Skipped++
				metrics.ReconcilerRecordsTotal.WithLabelValues("skipped").Inc()
				log.Warn("reconciler: skipping usage record", "usage_id", u.ID, "reason", err)
			} else {
				report.Failed++
				metrics.ReconcilerRecordsTotal.WithLabelValues("failed").Inc()
				log.Error("reconciler: usage record failed", "usage_id", u.ID, "error", err)
			}
			if ferr := r.recordFailure(ctx, batch, u, err, report); ferr != nil {
				return r.abort(ctx, batch, report, ferr)
			}
			continue
		}

		if r.cfg.DryRun {
			report.Billed++
			report.TotalCost = report.TotalCost.Add(rec.Cost)
			continue
		}

		inserted, err := r.append(ctx, rec)
		if err != nil {
			if errors.Is(err, billing.ErrUnavailable) {
				return r.abort(ctx, batch, report, err)
			}
			report.Failed++
			metrics.ReconcilerRecordsTotal.WithLabelValues("failed").Inc()
			log.Error("reconciler: appending billing record", "usage_id", u.ID, "user_id", rec.UserID, "error", err)
			if ferr := r.recordFailure(ctx, batch, u, err, report); ferr != nil {
				return r.abort(ctx, batch, report, ferr)
			}
			continue
		}

		if inserted {
			report.Billed++
			report.TotalCost = report.TotalCost.Add(rec.Cost)
			metrics.ReconcilerRecordsTotal.WithLabelValues("billed").Inc()
			metrics.BilledCostTotal.Add(rec.Cost.InexactFloat64())
			r.publish(ctx, inats.AuditEvent{
				OwnerUserID:  rec.UserID,
				EventType:    inats.EventUsageBilled,
				ResourceType: inats.ResourceUsage,
				ResourceID:   rec.UsageID,
				Details: map[string]any{
					"model":         rec.Model,
					"input_tokens":  rec.InputTokens,
					"output_tokens": rec.OutputTokens,
					"cost":          rec.Cost.String(),
				},
			})
		} else {
			// Billed by an earlier run whose mark-processed step never committed.
			report.Duplicates++
			metrics.ReconcilerRecordsTotal.WithLabelValues("duplicate").Inc()
		}
		processed = append(processed, u.ID)
	}

	if r.cfg.DryRun {
		if err := batch.Rollback(context.WithoutCancel(ctx)); err != nil {
			log.Warn("reconciler: rolling back dry run", "error", err)
		}
		return r.finish(report, "dry_run"), nil
	}

	marked, err := batch.MarkProcessed(ctx, processed)
	if err != nil {
		return r.abort(ctx, batch, report, err)
	}
	report.MarkedProcessed = marked

	if err := batch.Commit(ctx); err != nil {
		report.MarkedProcessed = 0
		return r.abort(ctx, batch, report, err)
	}

	return r.finish(report, "ok"), nil
}

// price validates a usage row and computes its cost.
func (r *Reconciler) price(u UsageRecord, table *pricing.Table, report *Report) (*billing.Record, error) {
	if u.UserID == nil || strings.TrimSpace(*u.UserID) == "" {
		return nil, fmt.Errorf("%w: missing user_id", errSkipped)
	}
	userID, err := uuid.Parse(strings.TrimSpace(*u.UserID))
	if err != nil {
		return nil, fmt.Errorf("%w: user_id %q is not a valid id", errSkipped, *u.UserID)
	}

	in, out := tokenCount(u.PromptTokens), tokenCount(u.CompletionTokens)
	if in < 0 || out < 0 {
		return nil, fmt.Errorf("%w: negative token count (prompt=%d, completion=%d)", errMalformed, in, out)
	}

	model := ""
	if u.Model != nil {
		model = *u.Model
	}

	cost, known := table.Cost(model, in, out)
	if !known {
		report.Unpriced++
		metrics.ReconcilerUnpricedRecordsTotal.WithLabelValues(model).Inc()
		slog.Warn("reconciler: no price for model, billing at zero",
			"usage_id", u.ID, "model", model, "input_tokens", in, "output_tokens", out)
	}

	return &billing.Record{
		UsageID:        u.ID,
		UserID:         userID,
		Model:          model,
		InputTokens:    in,
		OutputTokens:   out,
		Cost:           cost,
		UsageTimestamp: u.Timestamp,
	}, nil
}

func (r *Reconciler) append(ctx context.Context, rec *billing.Record) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RecordTimeout)
	defer cancel()
	return r.ledger.Append(ctx, rec)
}

// recordFailure bumps the row's attempt counter. Only a store error is returned.
func (r *Reconciler) recordFailure(ctx context.Context, batch Batch, u UsageRecord, cause error, report *Report) error {
	if r.cfg.DryRun {
		return nil
	}

	reason := truncateReason(cause.Error(), maxErrorLength)

	dead, err := batch.RecordFailure(ctx, u.ID, reason, r.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if dead {
		report.DeadLettered++
		metrics.ReconcilerRecordsTotal.WithLabelValues("dead_lettered").Inc()
		slog.Error("reconciler: usage record dead-lettered after repeated failures",
			"usage_id", u.ID, "attempts", u.BillingAttempts+1, "reason", reason)

		owner := uuid.Nil
		if u.UserID != nil {
			owner, _ = uuid.Parse(strings.TrimSpace(*u.UserID))
		}
		r.publish(ctx, inats.AuditEvent{
			OwnerUserID:  owner,
			EventType:    inats.EventUsageDeadLetters,
			Severity:     inats.SeverityError,
			ResourceType: inats.ResourceUsage,
			ResourceID:   u.ID,
			Details:      map[string]any{"reason": reason, "attempts": u.BillingAttempts + 1},
		})
	}
	return nil
}

func (r *Reconciler) abort(ctx context.Context, batch Batch, report *Report, cause error) (*Report, error) {
	if batch != nil {
		if err := batch.Rollback(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("reconciler: rolling back aborted batch", "run_id", report.RunID, "error", err)
		}
	}
	report.MarkedProcessed = 0
	r.finish(report, "aborted")
	return report, fmt.Errorf("%w: %v", ErrStoreUnavailable, cause)
}

func (r *Reconciler) finish(report *Report, outcome string) *Report {
	report.Duration = r.clock.Now().Sub(report.StartedAt)
	metrics.ReconcilerRunsTotal.WithLabelValues(outcome).Inc()
	return report
}

func (r *Reconciler) publish(ctx context.Context, event inats.AuditEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishAuditEvent(ctx, event); err != nil {
		slog.Warn("reconciler: publishing audit event", "event_type", event.EventType, "error", err)
	}
}

// truncateReason cuts s to at most n bytes without splitting a rune. The
// result is always valid UTF-8, which Postgres requires for text columns.
func truncateReason(s string, n int) string {
	if len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "")
}

func tokenCount(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}
