// Package config loads service configuration: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSupabase = "supabase"
)

// Consistency modes.
const (
	ModeAtomic = "atomic"
	ModeLegacy = "legacy"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Supabase  SupabaseConfig  `yaml:"supabase"`
	Redis     RedisConfig     `yaml:"redis"`
	Assistant AssistantConfig `yaml:"assistant"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Security  SecurityConfig  `yaml:"security"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"SWIFTPAY_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SWIFTPAY_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SWIFTPAY_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SWIFTPAY_SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"STORAGE_DRIVER"`
	DSN         string `yaml:"dsn" env:"DATABASE_URL"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"STORAGE_AUTO_MIGRATE"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url" env:"SUPABASE_URL"`
	AnonKey    string `yaml:"anon_key" env:"SUPABASE_ANON_KEY"`
	ServiceKey string `yaml:"service_key" env:"SUPABASE_SERVICE_KEY"`
	JWTSecret  string `yaml:"jwt_secret" env:"SUPABASE_JWT_SECRET"`
}

type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

type AssistantConfig struct {
	APIKey string `yaml:"api_key" env:"GEMINI_API_KEY"`
	Model  string `yaml:"model" env:"GEMINI_MODEL"`
}

type WalletConfig struct {
	InterestRate   string        `yaml:"interest_rate" env:"SWIFTPAY_INTEREST_RATE"`
	BonusAmount    string        `yaml:"bonus_amount" env:"SWIFTPAY_BONUS_AMOUNT"`
	HistoryWindow  int           `yaml:"history_window" env:"SWIFTPAY_HISTORY_WINDOW"`
	Consistency    string        `yaml:"consistency" env:"SWIFTPAY_CONSISTENCY"`
	HandleAttempts int           `yaml:"handle_attempts" env:"SWIFTPAY_HANDLE_ATTEMPTS"`
	IntentTTL      time.Duration `yaml:"intent_ttl" env:"SWIFTPAY_INTENT_TTL"`
	InterestSweep  string        `yaml:"interest_sweep" env:"SWIFTPAY_INTEREST_SWEEP"`
}

type SecurityConfig struct {
	// AdminUserIDs is a comma separated list in the environment.
	AdminUserIDs   []string `yaml:"admin_user_ids"`
	CORSOrigins    []string `yaml:"cors_origins"`
	RateLimit      int      `yaml:"rate_limit" env:"SWIFTPAY_RATE_LIMIT"`
	RateLimitBurst int      `yaml:"rate_limit_burst" env:"SWIFTPAY_RATE_LIMIT_BURST"`
}

// listEnv holds the comma separated variables envdecode cannot split.
type listEnv struct {
	AdminUserIDs string `env:"ADMIN_USER_IDS"`
	CORSOrigins  string `env:"CORS_ORIGINS"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{Driver: DriverMemory},
		Assistant: AssistantConfig{
			Model: "gemini-3-flash-preview",
		},
		Wallet: WalletConfig{
			InterestRate:   payment.DefaultInterestRate.String(),
			BonusAmount:    payment.DefaultBonusAmount.String(),
			HistoryWindow:  payment.DefaultHistoryWindow,
			Consistency:    ModeAtomic,
			HandleAttempts: 5,
			IntentTTL:      30 * time.Second,
		},
		Security: SecurityConfig{
			CORSOrigins:    []string{"*"},
			RateLimit:      20,
			RateLimitBurst: 40,
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	var lists listEnv
	if err := envdecode.Decode(&lists); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if lists.AdminUserIDs != "" {
		cfg.Security.AdminUserIDs = splitList(lists.AdminUserIDs)
	}
	if lists.CORSOrigins != "" {
		cfg.Security.CORSOrigins = splitList(lists.CORSOrigins)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	case DriverSupabase:
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			return fmt.Errorf("supabase.url and supabase.service_key are required for the supabase driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Wallet.Consistency {
	case ModeAtomic, ModeLegacy:
	default:
		return fmt.Errorf("unknown consistency mode %q", c.Wallet.Consistency)
	}
	if c.Wallet.InterestSweep != "" && c.Wallet.Consistency != ModeAtomic {
		return fmt.Errorf("the interest sweep requires atomic consistency")
	}

	if _, err := c.Settings(); err != nil {
		return err
	}
	if c.Wallet.HandleAttempts < 1 {
		return fmt.Errorf("wallet.handle_attempts must be at least 1")
	}
	if c.Supabase.JWTSecret == "" && c.Supabase.URL == "" {
		return fmt.Errorf("either supabase.jwt_secret or supabase.url is required to authenticate users")
	}
	return nil
}

// Settings converts the wallet section into domain settings.
func (c *Config) Settings() (payment.Settings, error) {
	rate, err := decimal.NewFromString(c.Wallet.InterestRate)
	if err != nil {
		return payment.Settings{}, fmt.Errorf("wallet.interest_rate: %w", err)
	}
	bonus, err := decimal.NewFromString(c.Wallet.BonusAmount)
	if err != nil {
		return payment.Settings{}, fmt.Errorf("wallet.bonus_amount: %w", err)
	}
	if rate.IsNegative() || bonus.IsNegative() {
		return payment.Settings{}, fmt.Errorf("wallet.interest_rate and wallet.bonus_amount must not be negative")
	}
	if c.Wallet.HistoryWindow < 1 {
		return payment.Settings{}, fmt.Errorf("wallet.history_window must be at least 1")
	}
	return payment.Settings{
		InterestRate:  rate,
		BonusAmount:   bonus,
		HistoryWindow: c.Wallet.HistoryWindow,
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
