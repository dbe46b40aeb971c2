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

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swiftpay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SUPABASE_JWT_SECRET", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, ModeAtomic, cfg.Wallet.Consistency)

	settings, err := cfg.Settings()
	require.NoError(t, err)
	assert.True(t, settings.InterestRate.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, settings.BonusAmount.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, 10, settings.HistoryWindow)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9000"
  read_timeout: 5s
wallet:
  bonus_amount: "50"
  consistency: legacy
supabase:
  url: https://example.supabase.co
security:
  admin_user_ids: [a, b]
`)
	t.Setenv("SWIFTPAY_ADDR", ":9100")
	t.Setenv("ADMIN_USER_IDS", " root , ops ")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr, "env overrides yaml")
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, ModeLegacy, cfg.Wallet.Consistency)
	assert.Equal(t, []string{"root", "ops"}, cfg.Security.AdminUserIDs)

	settings, err := cfg.Settings()
	require.NoError(t, err)
	assert.True(t, settings.BonusAmount.Equal(decimal.NewFromInt(50)))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"supabase without key", func(c *Config) { c.Storage.Driver = DriverSupabase }},
		{"unknown mode", func(c *Config) { c.Wallet.Consistency = "eventual" }},
		{"sweep in legacy mode", func(c *Config) {
			c.Wallet.Consistency = ModeLegacy
			c.Wallet.InterestSweep = "@daily"
		}},
		{"bad rate", func(c *Config) { c.Wallet.InterestRate = "abc" }},
		{"negative bonus", func(c *Config) { c.Wallet.BonusAmount = "-1" }},
		{"zero window", func(c *Config) { c.Wallet.HistoryWindow = 0 }},
		{"no auth", func(c *Config) { c.Supabase = SupabaseConfig{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Supabase.JWTSecret = "secret"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
