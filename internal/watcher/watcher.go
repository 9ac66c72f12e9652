package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/mailwatch/mailsync-worker/internal/config"
	"github.com/mailwatch/mailsync-worker/internal/logging"
	"github.com/mailwatch/mailsync-worker/internal/models"
	"github.com/mailwatch/mailsync-worker/internal/repository"
	"github.com/mailwatch/mailsync-worker/internal/service"
)

// Watcher drives the polling loop: each tick it runs one sync pass per
// enabled account, bounded by the configured account concurrency, then a
// sweep over stuck transmission records.
type Watcher struct {
	cfg         *config.Config
	accountRepo *repository.AccountRepository
	coordinator *service.Coordinator
	sweeper     *service.Sweeper
}

func New(
	cfg *config.Config,
	accountRepo *repository.AccountRepository,
	coordinator *service.Coordinator,
	sweeper *service.Sweeper,
) *Watcher {
	return &Watcher{
		cfg:         cfg,
		accountRepo: accountRepo,
		coordinator: coordinator,
		sweeper:     sweeper,
	}
}

// Start begins polling. It runs one tick immediately, then on the
// configured interval until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	logging.Log.WithField("interval", w.cfg.PollInterval.String()).Info("starting mailbox watcher")

	w.tick(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Log.Info("watcher stopping")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	accounts, err := w.accountRepo.GetEnabled(ctx)
	if err != nil {
		logging.Log.WithField("error", err.Error()).Error("failed to list enabled accounts")
		return
	}

	if len(accounts) > 0 {
		w.runPasses(ctx, accounts)
	}

	if err := w.sweeper.Run(ctx); err != nil {
		logging.Log.WithField("error", err.Error()).Error("sweep failed")
	}
}

// runPasses fans accounts out to the coordinator, at most
// AccountConcurrency passes at a time.
func (w *Watcher) runPasses(ctx context.Context, accounts []models.Account) {
	limit := w.cfg.AccountConcurrency
	if limit < 1 {
		limit = 1
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, limit)

	for i := range accounts {
		account := &accounts[i]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := w.coordinator.RunPass(ctx, account); err != nil {
				logging.Log.WithFields(map[string]interface{}{
					"account": account.ID,
					"error":   err.Error(),
				}).Error("sync pass failed")
			}
		}()
	}

	wg.Wait()
}
