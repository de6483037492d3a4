package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// clearEnv blanks the overrides a developer shell might export.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "FRAME_DURATION_SECONDS", "STORAGE_BACKEND", "DATABASE_URL", "SQLITE_PATH",
		"ORACLE_URL", "RELAY_URL", "DRY_RUN", "FEE_RATE", "UPKEEP_RATE", "POT_RATE", "FEE_ADDRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_YAMLAndDefaults(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
frame:
  duration_seconds: 300
settlement:
  fee_rate: "0.03"
  upkeep_rate: "0.02"
  pot_rate: "0.95"
  fee_address: treasury
oracle:
  url: http://oracle.local/price
payout:
  dry_run: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.FrameDuration())
	assert.Equal(t, 5, cfg.Frame.LockOutSeconds)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(100_000_000), cfg.Curve.PriceScale)

	policy, err := cfg.SettlementPolicy()
	require.NoError(t, err)
	assert.True(t, policy.FeeRate.Equal(decimal.RequireFromString("0.03")))
	assert.True(t, policy.DustThreshold.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "treasury", policy.FeeAddress)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
server:
  port: "9000"
oracle:
  url: http://from-yaml
payout:
  relay_url: http://relay
`)
	t.Setenv("PORT", "7070")
	t.Setenv("ORACLE_URL", "http://from-env")
	t.Setenv("DATABASE_URL", "postgres://localhost/frames")
	t.Setenv("ADMIN_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "http://from-env", cfg.Oracle.URL)
	assert.Equal(t, "postgres", cfg.Storage.Backend, "a database url selects postgres")
	assert.True(t, cfg.Server.AdminEnabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Oracle.URL = "http://oracle"
		cfg.Payout.DryRun = true
		setDefaults(cfg)
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rates do not sum to one", func(c *Config) { c.Settlement.PotRate = "0.90" }},
		{"unparseable rate", func(c *Config) { c.Settlement.FeeRate = "four percent" }},
		{"min bet below dust", func(c *Config) { c.Limits.MinBet = 100 }},
		{"lock-out longer than frame", func(c *Config) { c.Frame.LockOutSeconds = 60 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }},
		{"postgres without url", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"no oracle", func(c *Config) { c.Oracle.URL = "" }},
		{"no relay", func(c *Config) { c.Payout.DryRun = false }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
