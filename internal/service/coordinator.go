package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mailwatch/mailsync-worker/internal/logging"
	"github.com/mailwatch/mailsync-worker/internal/models"
)

// PullResult is one bounded batch of change events from the provider.
// Truncated means more changes exist and the caller should re-pull with
// NextCursor before yielding.
type PullResult struct {
	Events     []models.ChangeEvent
	NextCursor string
	Truncated  bool
}

type TokenRefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ChangeSource pulls the next batch of raw change events for an account.
// The cursor is opaque; the empty cursor means "from the beginning of
// retained history".
type ChangeSource interface {
	Pull(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// AccountStore is the account/cursor surface the coordinator needs. The
// coordinator is the single writer for an account's cursor.
type AccountStore interface {
	UpdateCursor(ctx context.Context, accountID string, cursor string) error
	ClearCursor(ctx context.Context, accountID string) error
	UpdateTokens(ctx context.Context, accountID string, accessToken, refreshToken string, expiresAt time.Time) error
}

// RetryStore loads records whose retry gate has passed.
type RetryStore interface {
	GetDispatchable(ctx context.Context, accountID string, limit int) ([]models.TransmissionRecord, error)
}

// PassResult summarizes one coordination pass over an account.
type PassResult struct {
	Pulled     int
	Admitted   int
	Duplicates int
	Superseded int
	Outcomes   map[Outcome]int
}

// Coordinator runs the per-account loop: read cursor, pull a bounded batch,
// dedup, dispatch admitted records concurrently, then advance the cursor.
type Coordinator struct {
	accounts   AccountStore
	records    RetryStore
	source     ChangeSource
	dedup      *DedupFilter
	dispatcher *Dispatcher

	dispatchConcurrency int
	retryBatch          int
}

func NewCoordinator(accounts AccountStore, records RetryStore, source ChangeSource, dedup *DedupFilter, dispatcher *Dispatcher, dispatchConcurrency, retryBatch int) *Coordinator {
	if dispatchConcurrency < 1 {
		dispatchConcurrency = 1
	}
	if retryBatch < 1 {
		retryBatch = 100
	}
	return &Coordinator{
		accounts:            accounts,
		records:             records,
		source:              source,
		dedup:               dedup,
		dispatcher:          dispatcher,
		dispatchConcurrency: dispatchConcurrency,
		retryBatch:          retryBatch,
	}
}

// RunPass executes one full pass for the account, draining truncated
// batches before returning. The cursor advances only after a successful
// pull; dispatch failures are durably recorded and never block the cursor.
func (c *Coordinator) RunPass(ctx context.Context, account *models.Account) (*PassResult, error) {
	log := logging.Log.WithField("account", account.ID)

	accessToken, err := c.ensureToken(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare credentials: %w", err)
	}

	result := &PassResult{Outcomes: make(map[Outcome]int)}

	// Drain records whose retry gate has passed before pulling new changes,
	// so retries are not starved by a busy mailbox.
	if err := c.redispatchDue(ctx, account.ID, result); err != nil {
		return result, err
	}

	cursor := account.CursorValue()

	for {
		pull, err := c.pullOnce(ctx, account, accessToken, cursor)
		if err != nil {
			if errors.Is(err, ErrCursorInvalid) {
				// The provider expired our cursor. Restarting from initial
				// history can both re-surface already-transmitted items
				// (absorbed by dedup) and miss changes the provider purged.
				log.Warn("cursor expired, resetting; full reconciliation required, some changes may have been missed")
				if clearErr := c.accounts.ClearCursor(ctx, account.ID); clearErr != nil {
					return result, fmt.Errorf("failed to reset cursor: %w", clearErr)
				}
				return result, nil
			}
			// ProviderUnavailable or a store fault: abort the pass with the
			// cursor intact, the account is retried next tick.
			return result, err
		}

		// pullOnce may have forced a token refresh; keep using the
		// refreshed credential for the remaining batches.
		if account.AccessToken != nil {
			accessToken = *account.AccessToken
		}

		result.Pulled += len(pull.Events)

		admissions, err := c.dedup.Admit(ctx, pull.Events)
		if err != nil {
			return result, err
		}

		var candidates []*models.TransmissionRecord
		for _, adm := range admissions {
			switch adm.Decision {
			case DecisionAdmitted:
				result.Admitted++
				candidates = append(candidates, adm.Record)
			case DecisionDuplicate:
				result.Duplicates++
			case DecisionSuperseded:
				result.Superseded++
			}
		}

		outcomes := c.dispatchAll(ctx, candidates)
		for o, n := range outcomes {
			result.Outcomes[o] += n
		}

		// Cursor advancement is independent of dispatch outcomes: failed or
		// abandoned transmissions are recorded and retryable without
		// re-pulling this batch.
		if err := c.accounts.UpdateCursor(ctx, account.ID, pull.NextCursor); err != nil {
			return result, fmt.Errorf("failed to advance cursor: %w", err)
		}
		cursor = pull.NextCursor

		if !pull.Truncated {
			break
		}
	}

	log.WithFields(map[string]interface{}{
		"pulled":     result.Pulled,
		"admitted":   result.Admitted,
		"duplicates": result.Duplicates,
		"superseded": result.Superseded,
	}).Info("sync pass completed")

	return result, nil
}

// redispatchDue dispatches pending records that are past their retry gate.
func (c *Coordinator) redispatchDue(ctx context.Context, accountID string, result *PassResult) error {
	due, err := c.records.GetDispatchable(ctx, accountID, c.retryBatch)
	if err != nil {
		return fmt.Errorf("failed to load retry candidates: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	candidates := make([]*models.TransmissionRecord, len(due))
	for i := range due {
		candidates[i] = &due[i]
	}
	for o, n := range c.dispatchAll(ctx, candidates) {
		result.Outcomes[o] += n
	}
	return nil
}

// pullOnce performs one bounded pull, forcing a single token refresh and
// replay when the provider rejects the credential. A second consecutive
// rejection escalates.
func (c *Coordinator) pullOnce(ctx context.Context, account *models.Account, accessToken, cursor string) (*PullResult, error) {
	pull, err := c.source.Pull(ctx, accessToken, account.ID, cursor)
	if err == nil || !errors.Is(err, ErrAuthExpired) {
		return pull, err
	}

	refreshed, refreshErr := c.refreshToken(ctx, account)
	if refreshErr != nil {
		return nil, fmt.Errorf("forced token refresh failed: %w", refreshErr)
	}

	return c.source.Pull(ctx, refreshed, account.ID, cursor)
}

// dispatchAll fans candidates out to the dispatcher, bounded by the
// configured concurrency. It waits for all dispatches before returning so
// the caller can advance the cursor knowing every admission was issued.
func (c *Coordinator) dispatchAll(ctx context.Context, candidates []*models.TransmissionRecord) map[Outcome]int {
	if len(candidates) == 0 {
		return nil
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, c.dispatchConcurrency)
	)
	outcomes := make(map[Outcome]int)

	for _, record := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(rec *models.TransmissionRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := c.dispatcher.Dispatch(ctx, rec)
			if err != nil {
				logging.Log.WithFields(map[string]interface{}{
					"record": rec.ID,
					"error":  err.Error(),
				}).Error("dispatch error")
			}

			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}(record)
	}

	wg.Wait()
	return outcomes
}

// ensureToken returns a valid access token for the account, refreshing and
// persisting it when the stored one is expired or missing.
func (c *Coordinator) ensureToken(ctx context.Context, account *models.Account) (string, error) {
	if account.RefreshToken == nil {
		return "", fmt.Errorf("account %s has no refresh token", account.ID)
	}

	if account.AccessToken != nil && !account.TokenExpired() {
		return *account.AccessToken, nil
	}

	return c.refreshToken(ctx, account)
}

func (c *Coordinator) refreshToken(ctx context.Context, account *models.Account) (string, error) {
	if account.RefreshToken == nil {
		return "", fmt.Errorf("no refresh token available")
	}

	result, err := c.source.RefreshAccessToken(ctx, *account.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	if err := c.accounts.UpdateTokens(ctx, account.ID, result.AccessToken, result.RefreshToken, result.ExpiresAt); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	// Keep the in-memory account current for the rest of the pass.
	account.AccessToken = &result.AccessToken
	account.RefreshToken = &result.RefreshToken
	account.AccessTokenExpiresAt = &result.ExpiresAt

	logging.Log.WithField("account", account.ID).Debug("access token refreshed")
	return result.AccessToken, nil
}
