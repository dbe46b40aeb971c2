// Command swiftpay runs the SwiftPay wallet HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/swiftpay/internal/assistant"
	"github.com/R3E-Network/swiftpay/internal/config"
	"github.com/R3E-Network/swiftpay/internal/gateway"
	"github.com/R3E-Network/swiftpay/internal/idempotency"
	"github.com/R3E-Network/swiftpay/internal/logging"
	"github.com/R3E-Network/swiftpay/internal/metrics"
	"github.com/R3E-Network/swiftpay/internal/middleware"
	"github.com/R3E-Network/swiftpay/internal/storage"
	"github.com/R3E-Network/swiftpay/internal/storage/memory"
	"github.com/R3E-Network/swiftpay/internal/storage/postgres"
	supastore "github.com/R3E-Network/swiftpay/internal/storage/supabase"
	"github.com/R3E-Network/swiftpay/internal/wallet"
	"github.com/R3E-Network/swiftpay/supabase/client"
)

const serviceName = "swiftpay"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file (optional)")
		envFile    = flag.String("env", ".env", "Path to a .env file loaded before reading the environment")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load env (%s): %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(serviceName, cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("SwiftPay stopped with an error")
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	m := metrics.New(true)

	var supa *client.Client
	if cfg.Supabase.URL != "" {
		key := cfg.Supabase.ServiceKey
		if key == "" {
			key = cfg.Supabase.AnonKey
		}
		supa, err = client.New(client.Config{URL: cfg.Supabase.URL, APIKey: key})
		if err != nil {
			return fmt.Errorf("supabase client: %w", err)
		}
	}

	store, err := openStore(ctx, cfg, supa, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	guard, closeGuard, err := openGuard(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGuard()

	svc := wallet.New(store, guard, wallet.Options{
		Settings:       settings,
		Mode:           wallet.Mode(cfg.Wallet.Consistency),
		HandleAttempts: cfg.Wallet.HandleAttempts,
		IntentTTL:      cfg.Wallet.IntentTTL,
	}, logger, m)

	var model assistant.Model
	if cfg.Assistant.APIKey != "" {
		gm, err := assistant.NewGeminiModel(ctx, cfg.Assistant.APIKey, cfg.Assistant.Model)
		if err != nil {
			return fmt.Errorf("assistant model: %w", err)
		}
		model = gm
	} else {
		logger.Warn("GEMINI_API_KEY not set; the assistant will answer with its fallback messages")
	}
	advisor := assistant.NewAdvisor(model, settings, logger, m)

	var remote middleware.UserFetcher
	if supa != nil {
		remote = supa.Auth()
	}
	if cfg.Supabase.JWTSecret == "" {
		logger.Warn("SUPABASE_JWT_SECRET not set; every token is verified against Supabase Auth")
	}
	auth := middleware.NewAuthMiddleware(cfg.Supabase.JWTSecret, remote, cfg.Security.AdminUserIDs, logger, nil)

	srv := gateway.New(svc, advisor, auth, m, logger, gateway.Options{
		ServiceName:    serviceName,
		Version:        version,
		StorageDriver:  cfg.Storage.Driver,
		CORSOrigins:    cfg.Security.CORSOrigins,
		RateLimit:      cfg.Security.RateLimit,
		RateLimitBurst: cfg.Security.RateLimitBurst,
	})
	srv.Limiter().StartCleanup(5*time.Minute, ctx.Done())

	if cfg.Wallet.InterestSweep != "" {
		sweep, err := wallet.NewInterestSweep(svc, cfg.Wallet.InterestSweep, logger)
		if err != nil {
			return err
		}
		sweep.Start()
		defer func() { <-sweep.Stop().Done() }()
		logger.WithField("schedule", cfg.Wallet.InterestSweep).Info("Interest sweep scheduled")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":        cfg.Server.Addr,
			"storage":     cfg.Storage.Driver,
			"consistency": cfg.Wallet.Consistency,
			"version":     version,
		}).Info("SwiftPay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Shutdown error")
	}
	logger.Info("SwiftPay stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, supa *client.Client, logger *logging.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.AutoMigrate {
			if err := postgres.Migrate(store.DB().DB); err != nil {
				store.Close()
				return nil, err
			}
			logger.Info("Database migrations applied")
		}
		return store, nil

	case config.DriverSupabase:
		realtime := client.NewRealtimeClient(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		return supastore.New(supa, realtime), nil

	default:
		logger.Warn("Using the in-memory store; data is lost on restart")
		return memory.New(), nil
	}
}

func openGuard(ctx context.Context, cfg *config.Config, logger *logging.Logger) (idempotency.Guard, func(), error) {
	if cfg.Redis.URL == "" {
		return idempotency.NewMemoryGuard(), func() {}, nil
	}
	guard, err := idempotency.NewRedisGuard(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis guard: %w", err)
	}
	logger.Info("Transfer intents guarded by Redis")
	return guard, closer(guard, logger), nil
}

func closer(c io.Closer, logger *logging.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.WithError(err).Warn("Close failed")
		}
	}
}
