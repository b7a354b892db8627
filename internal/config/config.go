package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Stage constants define the possible deployment/runtime environments.
const (
	StageProd  = "prod"
	StageDev   = "dev"
	StageLocal = "local"
)

// IsValidStage checks if the provided stage string is one of the defined valid stages.
func IsValidStage(stage string) bool {
	switch stage {
	case StageProd, StageDev, StageLocal:
		return true
	default:
		return false
	}
}

// ConfigError indicates missing or invalid configuration. Fatal at init.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config holds everything the sync engine needs to run.
type Config struct {
	Stage string

	// StripeSecretKey is the provider credential. Required.
	StripeSecretKey string
	// StripeWebhookSecret verifies inbound webhook signatures. Required when
	// the HTTP surface is enabled.
	StripeWebhookSecret string
	// StripeAPIVersion optionally pins the API version.
	StripeAPIVersion string

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string
	// Schema is the database namespace for all mirrored tables. Empty string
	// means no schema prefix.
	Schema string
	// PoolMax bounds the pgx connection pool.
	PoolMax int32

	// AutoExpandLists expands single-hop sub-objects during projection.
	AutoExpandLists bool
	// BackfillRelatedEntities enqueues referenced kinds that have never been
	// synced during backfill.
	BackfillRelatedEntities bool

	// MaxConcurrent bounds parallel per-kind backfill inside one run.
	MaxConcurrent int
	// PageSize is the provider list page size.
	PageSize int

	// RequestTimeout bounds every provider network call.
	RequestTimeout time.Duration
	// ShutdownGrace bounds in-flight draining on SIGINT/SIGTERM.
	ShutdownGrace time.Duration

	// Port for the HTTP surface.
	Port string
	// KeepManagedWebhooks skips managed-webhook deletion on shutdown.
	KeepManagedWebhooks bool
}

// defaultSchema is the namespace all mirror tables live in unless overridden.
const defaultSchema = "stripe"

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Stage:                   envOr("STAGE", StageLocal),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIVersion:        os.Getenv("STRIPE_API_VERSION"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		Schema:                  envOr("SCHEMA", defaultSchema),
		PoolMax:                 int32(envIntOr("DATABASE_POOL_MAX", 10)),
		AutoExpandLists:         envBool("AUTO_EXPAND_LISTS"),
		BackfillRelatedEntities: envBoolOr("BACKFILL_RELATED_ENTITIES", true),
		MaxConcurrent:           envIntOr("MAX_CONCURRENT", 4),
		PageSize:                envIntOr("PAGE_SIZE", 100),
		RequestTimeout:          time.Duration(envIntOr("REQUEST_TIMEOUT_MS", 30000)) * time.Millisecond,
		ShutdownGrace:           time.Duration(envIntOr("SHUTDOWN_GRACE_MS", 10000)) * time.Millisecond,
		Port:                    envOr("PORT", "8080"),
		KeepManagedWebhooks:     envBool("KEEP_MANAGED_WEBHOOKS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.StripeSecretKey == "" {
		return &ConfigError{Field: "STRIPE_SECRET_KEY", Reason: "required"}
	}
	if c.DatabaseURL == "" {
		return &ConfigError{Field: "DATABASE_URL", Reason: "required"}
	}
	if !IsValidStage(c.Stage) {
		return &ConfigError{Field: "STAGE", Reason: fmt.Sprintf("must be one of %s, %s, %s", StageProd, StageDev, StageLocal)}
	}
	if c.PoolMax <= 0 {
		return &ConfigError{Field: "DATABASE_POOL_MAX", Reason: "must be positive"}
	}
	if c.MaxConcurrent <= 0 {
		return &ConfigError{Field: "MAX_CONCURRENT", Reason: "must be positive"}
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		return &ConfigError{Field: "PAGE_SIZE", Reason: "must be between 1 and 100"}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func envBoolOr(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
