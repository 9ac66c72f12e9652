package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mailwatch/mailsync-worker/internal/config"
	"github.com/mailwatch/mailsync-worker/internal/database"
	"github.com/mailwatch/mailsync-worker/internal/gmail"
	"github.com/mailwatch/mailsync-worker/internal/logging"
	"github.com/mailwatch/mailsync-worker/internal/models"
	"github.com/mailwatch/mailsync-worker/internal/relay"
	"github.com/mailwatch/mailsync-worker/internal/repository"
	"github.com/mailwatch/mailsync-worker/internal/service"
	"github.com/mailwatch/mailsync-worker/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		logging.Log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	logging.Log.Info("Database connected successfully")

	// Run migrations
	logging.Log.Info("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logging.Log.Info("Migrations completed successfully")

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	recordRepo := repository.NewTransmissionRecordRepository(db)

	// Seed accounts from the optional YAML file
	if err := seedAccounts(cfg, accountRepo); err != nil {
		return err
	}

	// Initialize Gmail change source
	gmailClient := gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.BatchSize)

	// Initialize relay sender
	relayClient := relay.NewClient(cfg.RelayEndpoint, cfg.RelayAPIKey, cfg.RelayTarget, cfg.HTTPTimeout)

	// Initialize pipeline services
	breakers := service.NewBreakerRegistry(service.BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
	})
	backoff := service.BackoffPolicy{
		Base:   cfg.BackoffBase,
		Max:    cfg.BackoffMax,
		Jitter: 0.1,
	}
	dedup := service.NewDedupFilter(recordRepo, cfg.RelayTarget)
	dispatcher := service.NewDispatcher(recordRepo, breakers, relayClient, cfg.MaxAttempts, backoff)
	coordinator := service.NewCoordinator(accountRepo, recordRepo, gmailClient, dedup, dispatcher, cfg.DispatchConcurrency, int(cfg.BatchSize))
	sweeper := service.NewSweeper(recordRepo, cfg.InFlightStaleAfter)

	// Initialize watcher
	w := watcher.New(cfg, accountRepo, coordinator, sweeper)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start watcher in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		logging.Log.Info("Shutdown signal received")
		cancel()

		// Wait for graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		select {
		case <-shutdownCtx.Done():
			logging.Log.Warn("Shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && err != context.Canceled {
				logging.Log.Errorf("Watcher error: %v", err)
			}
		}

		logging.Log.Info("Application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}

// seedAccounts upserts accounts from the configured YAML file so a fresh
// deployment starts watching without manual inserts.
func seedAccounts(cfg *config.Config, accountRepo *repository.AccountRepository) error {
	if cfg.AccountsFile == "" {
		return nil
	}

	seeds, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return err
	}

	accounts := make([]models.Account, 0, len(seeds))
	for _, seed := range seeds {
		account := models.Account{
			ID:      seed.ID,
			Email:   seed.Email,
			Label:   seed.Label,
			Enabled: true,
		}
		if seed.Enabled != nil {
			account.Enabled = *seed.Enabled
		}
		if seed.RefreshToken != "" {
			token := seed.RefreshToken
			account.RefreshToken = &token
		}
		accounts = append(accounts, account)
	}

	if err := accountRepo.Seed(context.Background(), accounts); err != nil {
		return err
	}
	if len(accounts) > 0 {
		logging.Log.Infof("Seeded %d accounts from %s", len(accounts), cfg.AccountsFile)
	}
	return nil
}
