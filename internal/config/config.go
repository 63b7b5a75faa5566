package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	UsageLog   UsageLogConfig
	Redis      RedisConfig
	NATS       NATSConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	Gateway    GatewayConfig
	Gate       GateConfig
	Pricing    PricingConfig
	Reconciler ReconcilerConfig
	CORS       CORSConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	ConnectTimeout time.Duration
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// UsageLogConfig points at the model gateway's own database, where raw usage rows live.
type UsageLogConfig struct {
	DB    DBConfig
	Table string
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig configures the audit event stream. An empty URL disables it.
type NATSConfig struct {
	URL string
	// StreamMaxAge bounds how long unconsumed events are kept.
	StreamMaxAge time.Duration
	// DuplicateWindow is how long JetStream remembers event ids for dedupe.
	DuplicateWindow time.Duration
	AckWait         time.Duration
	MaxDeliver      int
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type EncryptionConfig struct {
	Key string
}

// GatewayConfig describes the upstream model gateway (LiteLLM-compatible).
type GatewayConfig struct {
	URL           string
	MasterKey     string
	Timeout       time.Duration
	AllowedModels []string
	KeyDuration   string
	KeyMaxBudget  float64
}

type GateConfig struct {
	FreeCallLimit        int
	Timezone             string
	StoreTimeout         time.Duration
	MaxRequestsPerMinute int
}

type PricingConfig struct {
	File         string
	ProfitMargin decimal.Decimal
	Watch        bool
}

type ReconcilerConfig struct {
	Interval      time.Duration
	BatchSize     int
	MaxAttempts   int
	LockTTL       time.Duration
	RecordTimeout time.Duration
	MetricsAddr   string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	AuthMaxRequests int
	AuthWindowSec   int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		UsageLog: UsageLogConfig{
			DB: DBConfig{
				Host:     k.String("usagelog.db.host"),
				Port:     k.Int("usagelog.db.port"),
				User:     k.String("usagelog.db.user"),
				Password: k.String("usagelog.db.password"),
				Name:     k.String("usagelog.db.name"),
				SSLMode:  k.String("usagelog.db.sslmode"),
				MaxConns: int32(k.Int("usagelog.db.max.conns")),
			},
			Table: k.String("usagelog.table"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:        k.String("nats.url"),
			MaxDeliver: k.Int("nats.max.deliver"),
		},
		JWT: JWTConfig{
			AccessSecret:  k.String("jwt.access.secret"),
			RefreshSecret: k.String("jwt.refresh.secret"),
		},
		Encryption: EncryptionConfig{
			Key: k.String("encryption.key"),
		},
		Gateway: GatewayConfig{
			URL:           k.String("gateway.url"),
			MasterKey:     k.String("gateway.master.key"),
			AllowedModels: splitList(k.String("gateway.allowed.models")),
			KeyDuration:   k.String("gateway.key.duration"),
			KeyMaxBudget:  k.Float64("gateway.key.max.budget"),
		},
		Gate: GateConfig{
			FreeCallLimit:        k.Int("gate.free.call.limit"),
			Timezone:             k.String("gate.timezone"),
			MaxRequestsPerMinute: k.Int("gate.max.requests.per.minute"),
		},
		Pricing: PricingConfig{
			File:  k.String("pricing.file"),
			Watch: k.Bool("pricing.watch"),
		},
		Reconciler: ReconcilerConfig{
			BatchSize:   k.Int("reconciler.batch.size"),
			MaxAttempts: k.Int("reconciler.max.attempts"),
			MetricsAddr: k.String("reconciler.metrics.addr"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		RateLimit: RateLimitConfig{
			AuthMaxRequests: k.Int("ratelimit.auth.max.requests"),
			AuthWindowSec:   k.Int("ratelimit.auth.window.sec"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	applyDBDefaults(&cfg.DB, "llmgate")
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	applyDBDefaults(&cfg.UsageLog.DB, "litellm")
	if cfg.UsageLog.Table == "" {
		cfg.UsageLog.Table = "litellm_logs"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.MaxDeliver == 0 {
		cfg.NATS.MaxDeliver = 10
	}
	if cfg.Gateway.URL == "" {
		cfg.Gateway.URL = "http://litellm:4000"
	}
	if len(cfg.Gateway.AllowedModels) == 0 {
		cfg.Gateway.AllowedModels = []string{"gpt-4o", "deepseek-r1"}
	}
	if cfg.Gateway.KeyDuration == "" {
		cfg.Gateway.KeyDuration = "inf"
	}
	if cfg.Gateway.KeyMaxBudget == 0 {
		cfg.Gateway.KeyMaxBudget = 1000000
	}
	if cfg.Gate.FreeCallLimit == 0 {
		cfg.Gate.FreeCallLimit = 5
	}
	if cfg.Gate.Timezone == "" {
		cfg.Gate.Timezone = "UTC"
	}
	if !k.Exists("gate.max.requests.per.minute") {
		cfg.Gate.MaxRequestsPerMinute = 60
	}
	if cfg.Reconciler.BatchSize == 0 {
		cfg.Reconciler.BatchSize = 1000
	}
	if cfg.Reconciler.MaxAttempts == 0 {
		cfg.Reconciler.MaxAttempts = 5
	}
	if cfg.RateLimit.AuthMaxRequests == 0 {
		cfg.RateLimit.AuthMaxRequests = 10
	}
	if cfg.RateLimit.AuthWindowSec == 0 {
		cfg.RateLimit.AuthWindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	cfg.Pricing.ProfitMargin, err = decimal.NewFromString(orDefault(k.String("pricing.profit.margin"), "0.30"))
	if err != nil {
		return nil, fmt.Errorf("parsing pricing profit margin: %w", err)
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		into *time.Duration
	}{
		{"server.read.timeout", "15s", &cfg.Server.ReadTimeout},
		{"server.write.timeout", "90s", &cfg.Server.WriteTimeout},
		{"server.shutdown.timeout", "30s", &cfg.Server.ShutdownTimeout},
		{"jwt.access.expiry", "15m", &cfg.JWT.AccessExpiry},
		{"jwt.refresh.expiry", "168h", &cfg.JWT.RefreshExpiry},
		{"db.connect.timeout", "5s", &cfg.DB.ConnectTimeout},
		{"usagelog.db.connect.timeout", "5s", &cfg.UsageLog.DB.ConnectTimeout},
		{"redis.dial.timeout", "5s", &cfg.Redis.DialTimeout},
		{"redis.read.timeout", "3s", &cfg.Redis.ReadTimeout},
		{"redis.write.timeout", "3s", &cfg.Redis.WriteTimeout},
		{"nats.stream.max.age", "168h", &cfg.NATS.StreamMaxAge},
		{"nats.duplicate.window", "2m", &cfg.NATS.DuplicateWindow},
		{"nats.ack.wait", "30s", &cfg.NATS.AckWait},
		{"gateway.timeout", "60s", &cfg.Gateway.Timeout},
		{"gate.store.timeout", "5s", &cfg.Gate.StoreTimeout},
		{"reconciler.interval", "5m", &cfg.Reconciler.Interval},
		{"reconciler.lock.ttl", "10m", &cfg.Reconciler.LockTTL},
		{"reconciler.record.timeout", "10s", &cfg.Reconciler.RecordTimeout},
	}
	for _, d := range durations {
		*d.into, err = time.ParseDuration(orDefault(k.String(d.key), d.def))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

func applyDBDefaults(c *DBConfig, name string) {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.User == "" {
		c.User = "postgres"
	}
	if c.Name == "" {
		c.Name = name
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
