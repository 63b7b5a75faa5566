package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/llmgate/llmgate/internal/config"
)

// NewPostgresPool opens a pool and pings it. appName shows up as
// application_name in pg_stat_activity, which tells the reconciler's
// connections apart from the model gateway's own on the shared usage DB.
func NewPostgresPool(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout(cfg)
	if appName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, classifyPing(cfg, err)
	}

	slog.Info("connected to PostgreSQL", "host", cfg.Host, "port", cfg.Port, "db", cfg.Name, "app", appName)
	return pool, nil
}

// HealthCheck pings the pool. A down database is reported as ErrUnavailable.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	if err := pool.Ping(ctx); err != nil {
		if IsUnavailable(err) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	return nil
}

func classifyPing(cfg config.DBConfig, err error) error {
	if IsUnavailable(err) {
		return fmt.Errorf("pinging postgres %s:%d/%s: %w: %v", cfg.Host, cfg.Port, cfg.Name, ErrUnavailable, err)
	}
	return fmt.Errorf("pinging postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
}
