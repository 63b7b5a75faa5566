package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/llmgate/llmgate/internal/billing"
	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/database"
	"github.com/llmgate/llmgate/internal/logging"
	inats "github.com/llmgate/llmgate/internal/nats"
	"github.com/llmgate/llmgate/internal/pricing"
	"github.com/llmgate/llmgate/internal/reconciler"
	iredis "github.com/llmgate/llmgate/internal/redis"
)

func newRunCmd() *cobra.Command {
	var (
		once      bool
		interval  time.Duration
		batchSize int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile pending usage once or on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.Reconciler.Interval = interval
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.Reconciler.BatchSize = batchSize
			}
			if err := cfg.ValidateReconciler(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, once, dryRun, cmd)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single batch and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between runs (default RECONCILER_INTERVAL)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "max records per run, 0 for no limit (default RECONCILER_BATCH_SIZE)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "price pending records and report without writing")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, once, dryRun bool, cmd *cobra.Command) error {
	accountsPool, err := database.NewPostgresPool(ctx, cfg.DB, appName)
	if err != nil {
		return fmt.Errorf("connecting to accounts database: %w", err)
	}
	defer accountsPool.Close()

	usagePool, err := database.NewPostgresPool(ctx, cfg.UsageLog.DB, appName)
	if err != nil {
		return fmt.Errorf("connecting to usage log database: %w", err)
	}
	defer usagePool.Close()

	redisClient, err := iredis.NewClient(ctx, cfg.Redis, appName)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	var publisher *inats.Publisher
	if cfg.NATS.URL != "" {
		natsClient, err := inats.NewClient(ctx, cfg.NATS, appName)
		if err != nil {
			slog.Warn("NATS unavailable, billing events disabled", "error", err)
		} else {
			defer natsClient.Close()
			publisher = inats.NewPublisher(natsClient.JetStream())
		}
	}

	prices, closePrices, err := openPrices(cfg.Pricing)
	if err != nil {
		return err
	}
	defer closePrices()

	usageLog, err := reconciler.NewPostgresUsageLog(usagePool, cfg.UsageLog.Table)
	if err != nil {
		return err
	}

	rec := reconciler.New(usageLog, billing.NewLedger(accountsPool), prices, reconciler.Config{
		BatchSize:     cfg.Reconciler.BatchSize,
		MaxAttempts:   cfg.Reconciler.MaxAttempts,
		RecordTimeout: cfg.Reconciler.RecordTimeout,
		DryRun:        dryRun,
	}).
		WithLock(reconciler.NewRedisLock(redisClient, reconciler.DefaultLockKey, cfg.Reconciler.LockTTL)).
		WithEvents(publisher)

	if cfg.Reconciler.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.Reconciler.MetricsAddr)
		defer stopMetrics()
	}

	if !once {
		return reconciler.NewRunner(rec, cfg.Reconciler.Interval).Run(ctx)
	}

	report, err := rec.Reconcile(ctx)
	if errors.Is(err, reconciler.ErrAlreadyRunning) {
		slog.Info("reconciler: another run holds the lock, nothing to do")
		return nil
	}
	if report != nil {
		reconciler.LogReport(report)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			slog.Warn("writing report", "error", encErr)
		}
	}
	return err
}

// openPrices returns the pricing source: a hot-reloaded file, a file read
// once, or the built-in defaults.
func openPrices(cfg config.PricingConfig) (pricing.Source, func(), error) {
	noop := func() {}

	if cfg.File == "" {
		slog.Info("pricing: using built-in table", "profit_margin", cfg.ProfitMargin.String())
		return pricing.Default(cfg.ProfitMargin), noop, nil
	}

	if cfg.Watch {
		w, err := pricing.NewWatcher(cfg.File, cfg.ProfitMargin)
		if err != nil {
			return nil, nil, fmt.Errorf("watching pricing file: %w", err)
		}
		return w, func() { _ = w.Close() }, nil
	}

	table, err := pricing.LoadFile(cfg.File, cfg.ProfitMargin)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("pricing: loaded table", "file", cfg.File, "models", len(table.Models()))
	return table, noop, nil
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("reconciler metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logging.Setup(cfg.Log)
	return cfg, nil
}
