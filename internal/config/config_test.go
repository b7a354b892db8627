package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/sync")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StageLocal, cfg.Stage)
	assert.Equal(t, "stripe", cfg.Schema)
	assert.Equal(t, int32(10), cfg.PoolMax)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 100, cfg.PageSize)
	assert.False(t, cfg.AutoExpandLists)
	assert.True(t, cfg.BackfillRelatedEntities)
	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.KeepManagedWebhooks)
	assert.Equal(t, int64(30000), cfg.RequestTimeout.Milliseconds())
	assert.Equal(t, int64(10000), cfg.ShutdownGrace.Milliseconds())
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STAGE", StageProd)
	t.Setenv("SCHEMA", "mirror")
	t.Setenv("MAX_CONCURRENT", "8")
	t.Setenv("PAGE_SIZE", "25")
	t.Setenv("AUTO_EXPAND_LISTS", "true")
	t.Setenv("BACKFILL_RELATED_ENTITIES", "false")
	t.Setenv("KEEP_MANAGED_WEBHOOKS", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StageProd, cfg.Stage)
	assert.Equal(t, "mirror", cfg.Schema)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 25, cfg.PageSize)
	assert.True(t, cfg.AutoExpandLists)
	assert.False(t, cfg.BackfillRelatedEntities)
	assert.True(t, cfg.KeepManagedWebhooks)
}

func TestLoadRequiresSecretKey(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/sync")

	_, err := Load()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "STRIPE_SECRET_KEY", cfgErr.Field)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "DATABASE_URL", cfgErr.Field)
}

func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad stage", func(c *Config) { c.Stage = "staging" }, "STAGE"},
		{"zero pool", func(c *Config) { c.PoolMax = 0 }, "DATABASE_POOL_MAX"},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }, "MAX_CONCURRENT"},
		{"page size too big", func(c *Config) { c.PageSize = 500 }, "PAGE_SIZE"},
		{"page size zero", func(c *Config) { c.PageSize = 0 }, "PAGE_SIZE"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Stage:           StageLocal,
				StripeSecretKey: "sk_test_123",
				DatabaseURL:     "postgres://localhost:5432/sync",
				PoolMax:         10,
				MaxConcurrent:   4,
				PageSize:        100,
			}
			tc.mutate(cfg)
			err := cfg.Validate()
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestIsValidStage(t *testing.T) {
	assert.True(t, IsValidStage(StageProd))
	assert.True(t, IsValidStage(StageDev))
	assert.True(t, IsValidStage(StageLocal))
	assert.False(t, IsValidStage("staging"))
	assert.False(t, IsValidStage(""))
}

// Empty schema is a supported configuration meaning "no schema prefix".
func TestEmptySchemaAllowed(t *testing.T) {
	cfg := &Config{
		Stage:           StageLocal,
		StripeSecretKey: "sk_test_123",
		DatabaseURL:     "postgres://localhost:5432/sync",
		Schema:          "",
		PoolMax:         10,
		MaxConcurrent:   4,
		PageSize:        100,
	}
	assert.NoError(t, cfg.Validate())
}
