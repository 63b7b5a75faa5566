package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "llmgate",
			Password: "secret", Name: "llmgate", SSLMode: "disable", MaxConns: 25,
		},
		UsageLog: UsageLogConfig{
			DB: DBConfig{
				Host: "localhost", Port: 5432, User: "postgres",
				Password: "secret", Name: "litellm", SSLMode: "disable", MaxConns: 5,
			},
			Table: "litellm_logs",
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		JWT: JWTConfig{
			AccessSecret:  "access-secret-that-is-at-least-32-chars!",
			RefreshSecret: "refresh-secret-that-is-at-least-32-chr!",
			AccessExpiry:  15 * time.Minute,
			RefreshExpiry: 168 * time.Hour,
		},
		Encryption: EncryptionConfig{Key: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"},
		NATS:       NATSConfig{URL: "nats://localhost:4222"},
		Gateway: GatewayConfig{
			URL:           "http://litellm:4000",
			MasterKey:     "sk-master",
			Timeout:       60 * time.Second,
			AllowedModels: []string{"gpt-4o"},
		},
		Gate:    GateConfig{FreeCallLimit: 5, Timezone: "UTC", StoreTimeout: 5 * time.Second},
		Pricing: PricingConfig{ProfitMargin: decimal.RequireFromString("0.30")},
		Reconciler: ReconcilerConfig{
			Interval: 5 * time.Minute, MaxAttempts: 5, LockTTL: 10 * time.Minute, BatchSize: 100,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_JWTAccessSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_ACCESS_SECRET") {
		t.Fatalf("expected JWT_ACCESS_SECRET error, got: %v", err)
	}
}

func TestValidate_JWTSecretsMustDiffer(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "the-same-secret-that-is-at-least-32-chars!"
	cfg.JWT.RefreshSecret = "the-same-secret-that-is-at-least-32-chars!"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Fatalf("expected 'must differ' error, got: %v", err)
	}
}

func TestValidate_EncryptionKeyInvalidHex(t *testing.T) {
	cfg := validConfig()
	cfg.Encryption.Key = "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "valid hex") {
		t.Fatalf("expected valid hex error, got: %v", err)
	}
}

func TestValidate_GatewayMasterKeyRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.MasterKey = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "GATEWAY_MASTER_KEY") {
		t.Fatalf("expected GATEWAY_MASTER_KEY error, got: %v", err)
	}
}

func TestValidate_GatewayURLMustBeAbsolute(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.URL = "litellm:4000/path"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "GATEWAY_URL") {
		t.Fatalf("expected GATEWAY_URL error, got: %v", err)
	}
}

func TestValidate_UnknownTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Gate.Timezone = "Mars/Olympus_Mons"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "GATE_TIMEZONE") {
		t.Fatalf("expected GATE_TIMEZONE error, got: %v", err)
	}
}

func TestValidate_NegativeProfitMargin(t *testing.T) {
	cfg := validConfig()
	cfg.Pricing.ProfitMargin = decimal.RequireFromString("-0.1")
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "PRICING_PROFIT_MARGIN") {
		t.Fatalf("expected PRICING_PROFIT_MARGIN error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: 0},
		DB:       DBConfig{Port: 5432},
		UsageLog: UsageLogConfig{DB: DBConfig{Port: 5432}},
		Redis:    RedisConfig{Port: 6379},
		Gate:     GateConfig{Timezone: "UTC"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"JWT_ACCESS_SECRET", "JWT_REFRESH_SECRET", "ENCRYPTION_KEY", "DB_PASSWORD", "SERVER_PORT", "GATEWAY_MASTER_KEY"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}

func TestValidateReconciler_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateReconciler(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidateReconciler_IgnoresGatewaySettings(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.MasterKey = ""
	cfg.JWT.AccessSecret = ""
	if err := cfg.ValidateReconciler(); err != nil {
		t.Fatalf("reconciler should not require API secrets, got: %v", err)
	}
}

func TestValidateReconciler_RejectsSuspiciousTableName(t *testing.T) {
	cfg := validConfig()
	cfg.UsageLog.Table = "logs; DROP TABLE accounts"
	err := cfg.ValidateReconciler()
	if err == nil || !strings.Contains(err.Error(), "USAGELOG_TABLE") {
		t.Fatalf("expected USAGELOG_TABLE error, got: %v", err)
	}
}

func TestValidateReconciler_UsageLogPasswordRequired(t *testing.T) {
	cfg := validConfig()
	cfg.UsageLog.DB.Password = ""
	err := cfg.ValidateReconciler()
	if err == nil || !strings.Contains(err.Error(), "USAGELOG_DB_PASSWORD") {
		t.Fatalf("expected USAGELOG_DB_PASSWORD error, got: %v", err)
	}
}

func TestValidateReconciler_LockTTLMustExceedRecordTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Reconciler.RecordTimeout = 10 * time.Minute
	err := cfg.ValidateReconciler()
	if err == nil || !strings.Contains(err.Error(), "RECONCILER_LOCK_TTL must exceed") {
		t.Fatalf("expected lock ttl error, got: %v", err)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" gpt-4o, deepseek-r1 ,,")
	if len(got) != 2 || got[0] != "gpt-4o" || got[1] != "deepseek-r1" {
		t.Fatalf("unexpected split result: %#v", got)
	}
	if splitList("") != nil {
		t.Fatal("expected nil for empty input")
	}
}

func TestValidate_NATSDuplicateWindow(t *testing.T) {
	cfg := validConfig()
	cfg.NATS.StreamMaxAge = time.Minute
	cfg.NATS.DuplicateWindow = 2 * time.Minute
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "NATS_DUPLICATE_WINDOW") {
		t.Fatalf("expected NATS_DUPLICATE_WINDOW error, got: %v", err)
	}
}
