package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/recaphq/sync-worker/internal/config"
	"github.com/recaphq/sync-worker/internal/database"
	"github.com/recaphq/sync-worker/internal/lock"
	"github.com/recaphq/sync-worker/internal/logger"
	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/provider"
	"github.com/recaphq/sync-worker/internal/provider/botfeed"
	"github.com/recaphq/sync-worker/internal/provider/googlecal"
	"github.com/recaphq/sync-worker/internal/repository"
	"github.com/recaphq/sync-worker/internal/server"
	"github.com/recaphq/sync-worker/internal/service"
	"github.com/recaphq/sync-worker/internal/watcher"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		logger.Log.WithError(err).Fatal("Application error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	logger.Log.Info("Database connected")

	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logger.Log.Info("Migrations applied")

	// Repositories
	accountRepo := repository.NewAccountRepository(db)
	stateRepo := repository.NewSyncStateRepository(db)
	channelRepo := repository.NewChannelRepository(db)
	recordRepo := repository.NewRecordRepository(db)
	linkRepo := repository.NewLinkRepository(db)
	runRepo := repository.NewRunRepository(db)
	alertRepo := repository.NewAlertRepository(db)

	// Per-account single-flight: redis when configured, otherwise
	// in-process (single instance deployments).
	var locker lock.Locker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return err
		}
		locker = lock.NewRedisLocker(client)
		logger.Log.Info("Using redis account locks")
	} else {
		locker = lock.NewMemoryLocker()
		logger.Log.Info("Using in-process account locks")
	}

	// Provider adapters and the global outbound call budget.
	adapters := map[models.ProviderKind]provider.Adapter{
		models.ProviderCalendar: googlecal.NewAdapter(cfg.GoogleClientID, cfg.GoogleClientSecret),
		models.ProviderBotFeed:  botfeed.NewAdapter(cfg.BotAPIBaseURL, cfg.BotAPIKey),
	}
	budget := semaphore.NewWeighted(cfg.ProviderBudget)

	// Services
	creds := service.NewOAuthCredentialSource(accountRepo, cfg.GoogleClientID, cfg.GoogleClientSecret)
	scheduler := service.NewScheduler(recordRepo, cfg.MinPollInterval, cfg.MaxPollInterval)
	reconciler := service.NewReconciler(
		accountRepo, stateRepo, recordRepo, linkRepo, runRepo, alertRepo,
		adapters, creds, scheduler, budget, cfg.MaxRetries,
	)
	channelMgr := service.NewChannelManager(
		channelRepo, alertRepo, adapters, creds, cfg.WebhookBaseURL, budget, cfg.MaxRetries,
	)
	healthMon := service.NewHealthMonitor(
		accountRepo, stateRepo, channelRepo, runRepo, recordRepo, alertRepo,
		channelMgr, cfg.RenewalThreshold,
	)

	w := watcher.New(cfg, accountRepo, stateRepo, channelRepo, reconciler, channelMgr, healthMon, scheduler, locker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg.ServerPort, channelRepo, func(accountID string, trigger models.RunTrigger) {
		go w.RunSingle(ctx, accountID, trigger)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		errChan <- w.Start(ctx)
	}()
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case <-sigChan:
		logger.Log.Info("Shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Log.WithError(err).Warn("Server shutdown error")
		}

		select {
		case <-shutdownCtx.Done():
			logger.Log.Warn("Shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.WithError(err).Error("Watcher error")
			}
		}

		logger.Log.Info("Application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
