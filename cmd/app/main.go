package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"malvin-lite/internal/cache"
	"malvin-lite/internal/config"
	"malvin-lite/internal/credit"
	"malvin-lite/internal/dispatch"
	"malvin-lite/internal/httpserver"
	"malvin-lite/internal/logging"
	"malvin-lite/internal/metrics"
	"malvin-lite/internal/orchestrator"
	"malvin-lite/internal/repo"
	"malvin-lite/internal/session"
	"malvin-lite/internal/topup"
	"malvin-lite/internal/userconfig"
	"malvin-lite/internal/wa"
	"malvin-lite/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting malvin-lite", "env", cfg.AppEnv, "storage", cfg.DBType)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	redisConfig := cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
		Prefix:   cfg.RedisPrefix,
		Timeout:  cfg.StorageTimeout,
	}
	store, err := repo.Open(ctx, repo.Options{
		Backend:        cfg.DBType,
		DatabaseURL:    cfg.DatabaseURL,
		DatabaseSchema: cfg.DatabaseSchema,
		SQLitePath:     cfg.SQLitePath,
		Redis:          redisConfig,
		Timeout:        cfg.StorageTimeout,
		Migrations:     migrations.Files,
		Metrics:        metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	sessions := session.NewManager(store, cfg.SessionCredsFile, logger, metricRegistry)
	configs := userconfig.NewManager(store, cfg.Defaults, logger, metricRegistry)
	ledger := credit.NewLedger(store, credit.Policy{
		Initial:         cfg.Billing.InitialCharge,
		Periodic:        cfg.Billing.PeriodicCharge,
		Interval:        cfg.Billing.ChargeInterval,
		StartingCredits: cfg.Billing.StartingCredits,
	}, logger, metricRegistry)
	ledger.Run()
	defer ledger.Close()

	orch := orchestrator.New(sessions, ledger, cfg.SessionsDir, logger, metricRegistry)
	if _, err := orch.Boot(ctx); err != nil {
		logger.Warn("continuing without some stored sessions", "error", err)
	}

	commands := dispatch.NewRegistry(configs, logger, metricRegistry)
	if err := dispatch.RegisterCore(commands, ledger, configs); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}

	waManager := wa.New(wa.Config{
		BaseDir:   cfg.SessionsDir,
		CredsFile: cfg.SessionCredsFile,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, orch, logger)
	waManager.SetMessageProcessor(commands)
	orch.SetConnector(waManager)
	defer waManager.CloseAll()

	if _, err := waManager.StartAll(ctx); err != nil {
		logger.Error("starting sessions failed", "error", err)
	}

	var handlers httpserver.Handlers
	if cfg.TopUpWebhookSecret != "" {
		redisClient := cache.New(redisConfig, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed, top-up webhook will reject deliveries until it recovers", "error", err)
		}
		webhook := topup.NewWebhookHandler(logger, metricRegistry, cfg.TopUpWebhookSecret, ledger, redisClient, cfg.TopUpClaimTTL)
		webhook.SetNotifier(waManager)
		handlers.TopUpWebhook = webhook
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, handlers, httpserver.Dependencies{
		Credits:  ledger,
		Configs:  configs,
		Sessions: orch,
		Pairer:   waManager,
		Store:    store,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
