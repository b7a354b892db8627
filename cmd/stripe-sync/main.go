package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/synclayer/stripe-sync/internal/config"
	"github.com/synclayer/stripe-sync/internal/db"
	"github.com/synclayer/stripe-sync/internal/db/migrations"
	"github.com/synclayer/stripe-sync/internal/logger"
	"github.com/synclayer/stripe-sync/internal/server"
	"github.com/synclayer/stripe-sync/internal/stripeclient"
	"github.com/synclayer/stripe-sync/internal/sync"
)

func main() {
	// Load environment variables; a missing .env is fine outside local dev.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.InitLogger(config.StageLocal)
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.InitLogger(cfg.Stage)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	database, err := db.Connect(ctx, cfg.DatabaseURL, cfg.PoolMax)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	defer database.Close()

	if err := migrations.Migrate(ctx, database, cfg.Schema); err != nil {
		logger.Fatal("applying migrations", zap.Error(err))
	}

	provider := stripeclient.New(stripeclient.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIVersion:    cfg.StripeAPIVersion,
		Timeout:       cfg.RequestTimeout,
	}, logger.Log)

	engine, err := sync.New(sync.Options{
		DB:       database,
		Provider: provider,
		Logger:   logger.Log,
		Config:   cfg,
	})
	if err != nil {
		logger.Fatal("building sync engine", zap.Error(err))
	}

	// Resolve the account up front so a bad credential fails fast instead of
	// on the first webhook.
	accountID, err := engine.AccountID(ctx)
	if err != nil {
		logger.Fatal("resolving provider account", zap.Error(err))
	}
	logger.Info("sync engine ready",
		zap.String("account_id", accountID),
		zap.String("schema", cfg.Schema))

	if baseURL := os.Getenv("WEBHOOK_BASE_URL"); baseURL != "" {
		result, err := engine.FindOrCreateManagedWebhook(ctx, baseURL, nil)
		if err != nil {
			logger.Fatal("ensuring managed webhook", zap.Error(err))
		}
		logger.Info("managed webhook ready",
			zap.String("webhook_id", result.Webhook.ID),
			zap.String("url", result.Webhook.URL),
			zap.Bool("created", result.Created))
		if result.Created && result.Secret != "" && cfg.StripeWebhookSecret == "" {
			logger.Warn("new webhook secret issued; set STRIPE_WEBHOOK_SECRET to verify deliveries",
				zap.String("webhook_id", result.Webhook.ID))
		}
	}

	srv := server.New(cfg, engine, database, logger.Log)
	go func() {
		if err := srv.Run(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shut down.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}

	if !cfg.KeepManagedWebhooks {
		if err := engine.DeleteManagedWebhooks(shutdownCtx); err != nil {
			logger.Error("deleting managed webhooks", zap.Error(err))
		}
	}

	logger.Info("sync engine exiting")
}
