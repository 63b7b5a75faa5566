package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmgate/llmgate/internal/accounts"
	"github.com/llmgate/llmgate/internal/api"
	"github.com/llmgate/llmgate/internal/auth"
	"github.com/llmgate/llmgate/internal/billing"
	"github.com/llmgate/llmgate/internal/chat"
	"github.com/llmgate/llmgate/internal/clock"
	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/database"
	"github.com/llmgate/llmgate/internal/gate"
	"github.com/llmgate/llmgate/internal/gateway"
	"github.com/llmgate/llmgate/internal/governance"
	"github.com/llmgate/llmgate/internal/governance/audit"
	"github.com/llmgate/llmgate/internal/logging"
	mw "github.com/llmgate/llmgate/internal/middleware"
	inats "github.com/llmgate/llmgate/internal/nats"
	iredis "github.com/llmgate/llmgate/internal/redis"
	"github.com/llmgate/llmgate/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB, "llmgate-api")
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis, "llmgate-api")
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional): audit events are dropped without it
	var (
		natsClient *inats.Client
		publisher  *inats.Publisher
	)
	if cfg.NATS.URL != "" {
		natsClient, err = inats.NewClient(ctx, cfg.NATS, "llmgate-api")
		if err != nil {
			slog.Warn("NATS unavailable, audit events disabled", "error", err)
		} else {
			defer natsClient.Close()
			publisher = inats.NewPublisher(natsClient.JetStream())
		}
	}

	loc, err := time.LoadLocation(cfg.Gate.Timezone)
	if err != nil {
		slog.Error("loading gate timezone", "error", err)
		os.Exit(1)
	}
	clk := clock.NewReal(loc)

	encryptor, err := auth.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		slog.Error("creating encryptor", "error", err)
		os.Exit(1)
	}

	// Accounts and auth
	accountRepo := accounts.NewRepository(pool)
	accountSvc := accounts.NewService(accountRepo)

	jwtManager := auth.NewJWTManager(
		cfg.JWT.AccessSecret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	authSvc := auth.NewService(jwtManager, redisClient)
	authHandler := auth.NewHandler(authSvc, accountSvc, auth.NewPasswordHasher(auth.DefaultBcryptCost), publisher)

	// Gate, model gateway and chat surface
	quotaGate := gate.New(accountRepo, clk, cfg.Gate.FreeCallLimit)
	burst := gate.NewBurstLimiter(redisClient, cfg.Gate.MaxRequestsPerMinute)
	upstream := gateway.New(cfg.Gateway.URL, cfg.Gateway.MasterKey, cfg.Gateway.Timeout)

	chatCfg := chat.Config{
		AllowedModels:   cfg.Gateway.AllowedModels,
		UpstreamTimeout: cfg.Gateway.Timeout,
		StoreTimeout:    cfg.Gate.StoreTimeout,
		KeyDuration:     cfg.Gateway.KeyDuration,
		KeyMaxBudget:    cfg.Gateway.KeyMaxBudget,
	}
	var limiter chat.Limiter
	if burst != nil {
		limiter = burst
	}
	chatHandler := chat.NewHandler(quotaGate, limiter, upstream, publisher, chatCfg)
	keyHandler := chat.NewKeyHandler(upstream, accountSvc, encryptor, publisher, chatCfg)

	// Account views and audit trail
	ledger := billing.NewLedger(pool)
	auditRepo := audit.NewRepository(pool)
	accountHandler := governance.NewHandler(quotaGate, ledger, auditRepo, cfg.Gate.StoreTimeout)

	if natsClient != nil {
		consumer := audit.NewConsumer(auditRepo, natsClient.Consumers())
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("audit consumer stopped", "error", err)
			}
		}()
	}

	// Router
	health := api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		AuthRateLimiter:    mw.NewRateLimiter(redisClient, "auth", cfg.RateLimit.AuthMaxRequests, cfg.RateLimit.AuthWindowSec).Middleware,
		Required: map[string]api.HealthCheck{
			"database": func(ctx context.Context) error { return database.HealthCheck(ctx, pool) },
			"redis":    iredis.HealthCheck(redisClient),
		},
		Optional: map[string]api.HealthCheck{"nats": nil},
	}
	if natsClient != nil {
		health.Optional["nats"] = natsClient.HealthCheck
	}

	router := api.NewRouter(health, api.HandlerSet{
		Register: authHandler.Register,
		Login:    authHandler.Login,
		Refresh:  authHandler.Refresh,
		Logout:   authHandler.Logout,

		ChatCompletions: chatHandler.Completions,
		GenerateKey:     keyHandler.Generate,
		GetKey:          keyHandler.Get,

		GetAccount:    accountHandler.GetAccount,
		ListBilling:   accountHandler.ListBilling,
		ListAuditLogs: accountHandler.ListAuditLogs,

		AuthMiddleware: auth.Middleware(jwtManager),
	})

	// Serve until SIGINT/SIGTERM
	srv := server.New(cfg.Server, router)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
