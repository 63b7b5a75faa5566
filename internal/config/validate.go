package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secrets
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		errs = append(errs, "JWT_REFRESH_SECRET must be at least 32 characters")
	}
	if c.JWT.AccessSecret != "" && c.JWT.RefreshSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, "JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	// Encryption key: must be exactly 64 hex chars (32 bytes)
	if c.Encryption.Key == "" {
		errs = append(errs, "ENCRYPTION_KEY is required")
	} else if len(c.Encryption.Key) != 64 {
		errs = append(errs, "ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes)")
	} else if _, err := hex.DecodeString(c.Encryption.Key); err != nil {
		errs = append(errs, "ENCRYPTION_KEY must be valid hex")
	}

	errs = append(errs, c.validateStores()...)
	errs = append(errs, c.validateGateway()...)

	// Gate
	if c.Gate.FreeCallLimit < 0 {
		errs = append(errs, fmt.Sprintf("GATE_FREE_CALL_LIMIT must be >= 0, got %d", c.Gate.FreeCallLimit))
	}
	if _, err := time.LoadLocation(c.Gate.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("GATE_TIMEZONE %q is not a known location", c.Gate.Timezone))
	}

	// Pricing
	if c.Pricing.ProfitMargin.IsNegative() {
		errs = append(errs, "PRICING_PROFIT_MARGIN must not be negative")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

// ValidateReconciler checks only what the reconciler process needs.
func (c *Config) ValidateReconciler() error {
	errs := c.validateStores()

	if c.UsageLog.DB.Password == "" {
		errs = append(errs, "USAGELOG_DB_PASSWORD is required")
	}
	if c.UsageLog.Table == "" || strings.ContainsAny(c.UsageLog.Table, " ;\"'") {
		errs = append(errs, fmt.Sprintf("USAGELOG_TABLE %q is not a valid table name", c.UsageLog.Table))
	}
	if c.Reconciler.Interval <= 0 {
		errs = append(errs, "RECONCILER_INTERVAL must be positive")
	}
	if c.Reconciler.MaxAttempts < 1 {
		errs = append(errs, "RECONCILER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Reconciler.LockTTL <= 0 {
		errs = append(errs, "RECONCILER_LOCK_TTL must be positive")
	} else if c.Reconciler.LockTTL <= c.Reconciler.RecordTimeout {
		errs = append(errs, "RECONCILER_LOCK_TTL must exceed RECONCILER_RECORD_TIMEOUT")
	}
	if c.Pricing.ProfitMargin.IsNegative() {
		errs = append(errs, "PRICING_PROFIT_MARGIN must not be negative")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) validateStores() []string {
	var errs []string

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.UsageLog.DB.Port < 1 || c.UsageLog.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("USAGELOG_DB_PORT must be 1–65535, got %d", c.UsageLog.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// NATS is optional: warn only
	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty, audit events will not be published")
	} else if c.NATS.StreamMaxAge > 0 && c.NATS.DuplicateWindow > c.NATS.StreamMaxAge {
		errs = append(errs, "NATS_DUPLICATE_WINDOW must not exceed NATS_STREAM_MAX_AGE")
	}

	return errs
}

func (c *Config) validateGateway() []string {
	var errs []string

	if c.Gateway.MasterKey == "" {
		errs = append(errs, "GATEWAY_MASTER_KEY is required")
	}
	if u, err := url.Parse(c.Gateway.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("GATEWAY_URL %q must be an absolute URL", c.Gateway.URL))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, "GATEWAY_TIMEOUT must be positive")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Gateway.Timeout {
		errs = append(errs, "SERVER_WRITE_TIMEOUT must be longer than GATEWAY_TIMEOUT")
	}
	if len(c.Gateway.AllowedModels) == 0 {
		errs = append(errs, "GATEWAY_ALLOWED_MODELS must list at least one model")
	}

	return errs
}
