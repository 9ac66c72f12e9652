package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mailwatch/mailsync-worker/internal/models"
)

type mockAccountStore struct {
	updateTokensFn func(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error

	cursorUpdates []string
	cursorCleared bool
	tokensUpdated int
}

func (m *mockAccountStore) UpdateCursor(ctx context.Context, accountID string, cursor string) error {
	m.cursorUpdates = append(m.cursorUpdates, cursor)
	return nil
}

func (m *mockAccountStore) ClearCursor(ctx context.Context, accountID string) error {
	m.cursorCleared = true
	return nil
}

func (m *mockAccountStore) UpdateTokens(ctx context.Context, accountID string, accessToken, refreshToken string, expiresAt time.Time) error {
	m.tokensUpdated++
	if m.updateTokensFn != nil {
		return m.updateTokensFn(ctx, accountID, accessToken, refreshToken, expiresAt)
	}
	return nil
}

type mockChangeSource struct {
	pullFn    func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error)
	refreshFn func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)

	pulls     int
	refreshes int
}

func (m *mockChangeSource) Pull(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
	m.pulls++
	return m.pullFn(ctx, accessToken, accountID, cursor)
}

func (m *mockChangeSource) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
	m.refreshes++
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return &TokenRefreshResult{
		AccessToken:  "refreshed-token",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

type mockRetryStore struct {
	dispatchableFn func(ctx context.Context, accountID string, limit int) ([]models.TransmissionRecord, error)
}

func (m *mockRetryStore) GetDispatchable(ctx context.Context, accountID string, limit int) ([]models.TransmissionRecord, error) {
	if m.dispatchableFn != nil {
		return m.dispatchableFn(ctx, accountID, limit)
	}
	return nil, nil
}

func testAccount() *models.Account {
	access := "valid-token"
	refresh := "refresh-token"
	expiry := time.Now().Add(time.Hour)
	cursor := "100"
	return &models.Account{
		ID:                   "acc-1",
		Email:                "user@example.com",
		Enabled:              true,
		Cursor:               &cursor,
		AccessToken:          &access,
		RefreshToken:         &refresh,
		AccessTokenExpiresAt: &expiry,
	}
}

func newTestCoordinator(accounts *mockAccountStore, retries *mockRetryStore, source *mockChangeSource, sender *mockSender) (*Coordinator, *mockDispatchStore) {
	store := &mockDispatchStore{}
	dispatcher, _ := newTestDispatcher(store, sender)
	dedup := NewDedupFilter(&mockAdmissionStore{}, "relay-main")
	return NewCoordinator(accounts, retries, source, dedup, dispatcher, 2, 10), store
}

func TestRunPassAdvancesCursorOnSuccess(t *testing.T) {
	accounts := &mockAccountStore{}
	source := &mockChangeSource{
		pullFn: func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
			if cursor != "100" {
				t.Errorf("expected pull from cursor 100, got %q", cursor)
			}
			return &PullResult{
				Events:     []models.ChangeEvent{makeEvent("m1", models.ChangeCreated, time.Now())},
				NextCursor: "200",
			}, nil
		},
	}
	sender := &mockSender{}
	coordinator, store := newTestCoordinator(accounts, &mockRetryStore{}, source, sender)

	result, err := coordinator.RunPass(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Pulled != 1 || result.Admitted != 1 {
		t.Errorf("expected 1 pulled and admitted, got %+v", result)
	}
	if len(accounts.cursorUpdates) != 1 || accounts.cursorUpdates[0] != "200" {
		t.Errorf("expected cursor advanced to 200, got %v", accounts.cursorUpdates)
	}
	if len(store.succeeded) != 1 {
		t.Errorf("expected 1 successful transmission, got %d", len(store.succeeded))
	}
	if result.Outcomes[OutcomeSucceeded] != 1 {
		t.Errorf("expected succeeded outcome counted, got %v", result.Outcomes)
	}
}

func TestRunPassKeepsCursorOnProviderFailure(t *testing.T) {
	accounts := &mockAccountStore{}
	source := &mockChangeSource{
		pullFn: func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
			return nil, fmt.Errorf("%w: connection refused", ErrProviderUnavailable)
		},
	}
	coordinator, _ := newTestCoordinator(accounts, &mockRetryStore{}, source, &mockSender{})

	_, err := coordinator.RunPass(context.Background(), testAccount())
	if err == nil {
		t.Fatal("expected error when the provider is unavailable")
	}
	if len(accounts.cursorUpdates) != 0 {
		t.Errorf("cursor must not move on a failed pull, got %v", accounts.cursorUpdates)
	}
	if accounts.cursorCleared {
		t.Error("cursor must not be cleared on a transient failure")
	}
}

func TestRunPassResetsExpiredCursor(t *testing.T) {
	accounts := &mockAccountStore{}
	source := &mockChangeSource{
		pullFn: func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
			return nil, fmt.Errorf("%w: startHistoryId too old", ErrCursorInvalid)
		},
	}
	coordinator, _ := newTestCoordinator(accounts, &mockRetryStore{}, source, &mockSender{})

	_, err := coordinator.RunPass(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("cursor reset is not a pass failure, got %v", err)
	}
	if !accounts.cursorCleared {
		t.Error("expected cursor cleared after provider rejected it")
	}
	if len(accounts.cursorUpdates) != 0 {
		t.Errorf("expected no cursor advance, got %v", accounts.cursorUpdates)
	}
}

func TestRunPassDrainsTruncatedBatches(t *testing.T) {
	accounts := &mockAccountStore{}
	source := &mockChangeSource{}
	source.pullFn = func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
		switch source.pulls {
		case 1:
			return &PullResult{
				Events:     []models.ChangeEvent{makeEvent("m1", models.ChangeCreated, time.Now())},
				NextCursor: "150:tok",
				Truncated:  true,
			}, nil
		case 2:
			if cursor != "150:tok" {
				t.Errorf("expected second pull from 150:tok, got %q", cursor)
			}
			return &PullResult{
				Events:     []models.ChangeEvent{makeEvent("m2", models.ChangeCreated, time.Now())},
				NextCursor: "200",
			}, nil
		default:
			t.Fatalf("unexpected pull %d", source.pulls)
			return nil, nil
		}
	}
	coordinator, _ := newTestCoordinator(accounts, &mockRetryStore{}, source, &mockSender{})

	result, err := coordinator.RunPass(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if source.pulls != 2 {
		t.Errorf("expected 2 pulls, got %d", source.pulls)
	}
	if result.Pulled != 2 {
		t.Errorf("expected 2 events pulled, got %d", result.Pulled)
	}
	want := []string{"150:tok", "200"}
	if len(accounts.cursorUpdates) != 2 || accounts.cursorUpdates[0] != want[0] || accounts.cursorUpdates[1] != want[1] {
		t.Errorf("expected cursor updates %v, got %v", want, accounts.cursorUpdates)
	}
}

func TestRunPassRefreshesTokenOnceOnRejection(t *testing.T) {
	accounts := &mockAccountStore{}
	source := &mockChangeSource{}
	source.pullFn = func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
		if source.pulls == 1 {
			return nil, fmt.Errorf("%w: 401", ErrAuthExpired)
		}
		if accessToken != "refreshed-token" {
			t.Errorf("expected replay with refreshed token, got %q", accessToken)
		}
		return &PullResult{NextCursor: "200"}, nil
	}
	coordinator, _ := newTestCoordinator(accounts, &mockRetryStore{}, source, &mockSender{})

	_, err := coordinator.RunPass(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if source.refreshes != 1 {
		t.Errorf("expected exactly one forced refresh, got %d", source.refreshes)
	}
	if accounts.tokensUpdated != 1 {
		t.Errorf("expected refreshed tokens persisted once, got %d", accounts.tokensUpdated)
	}
	if source.pulls != 2 {
		t.Errorf("expected the rejected pull replayed, got %d pulls", source.pulls)
	}
}

func TestRunPassReusesRefreshedTokenAcrossBatches(t *testing.T) {
	accounts := &mockAccountStore{}
	source := &mockChangeSource{}
	source.pullFn = func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
		switch source.pulls {
		case 1:
			return nil, fmt.Errorf("%w: 401", ErrAuthExpired)
		case 2:
			return &PullResult{NextCursor: "150:tok", Truncated: true}, nil
		default:
			if accessToken != "refreshed-token" {
				t.Errorf("later batches must reuse the refreshed token, got %q", accessToken)
			}
			return &PullResult{NextCursor: "200"}, nil
		}
	}
	coordinator, _ := newTestCoordinator(accounts, &mockRetryStore{}, source, &mockSender{})

	_, err := coordinator.RunPass(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if source.refreshes != 1 {
		t.Errorf("expected a single refresh for the whole pass, got %d", source.refreshes)
	}
	if source.pulls != 3 {
		t.Errorf("expected 3 pulls, got %d", source.pulls)
	}
}

func TestRunPassEscalatesRepeatedAuthRejection(t *testing.T) {
	accounts := &mockAccountStore{}
	source := &mockChangeSource{
		pullFn: func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
			return nil, fmt.Errorf("%w: 401", ErrAuthExpired)
		},
	}
	coordinator, _ := newTestCoordinator(accounts, &mockRetryStore{}, source, &mockSender{})

	_, err := coordinator.RunPass(context.Background(), testAccount())
	if err == nil {
		t.Fatal("expected error when credentials fail after refresh")
	}
	if source.pulls != 2 {
		t.Errorf("expected one replay only, got %d pulls", source.pulls)
	}
}

func TestRunPassRefreshesExpiredTokenUpfront(t *testing.T) {
	accounts := &mockAccountStore{}
	source := &mockChangeSource{
		pullFn: func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
			if accessToken != "refreshed-token" {
				t.Errorf("expected refreshed token, got %q", accessToken)
			}
			return &PullResult{NextCursor: "200"}, nil
		},
	}
	coordinator, _ := newTestCoordinator(accounts, &mockRetryStore{}, source, &mockSender{})

	account := testAccount()
	expired := time.Now().Add(-time.Hour)
	account.AccessTokenExpiresAt = &expired

	_, err := coordinator.RunPass(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.refreshes != 1 {
		t.Errorf("expected upfront refresh for expired token, got %d", source.refreshes)
	}
}

func TestRunPassFailsWithoutRefreshToken(t *testing.T) {
	coordinator, _ := newTestCoordinator(&mockAccountStore{}, &mockRetryStore{}, &mockChangeSource{}, &mockSender{})

	account := testAccount()
	account.RefreshToken = nil

	_, err := coordinator.RunPass(context.Background(), account)
	if err == nil {
		t.Fatal("expected error for account without refresh token")
	}
}

func TestRunPassRedispatchesDueRetries(t *testing.T) {
	retries := &mockRetryStore{
		dispatchableFn: func(ctx context.Context, accountID string, limit int) ([]models.TransmissionRecord, error) {
			return []models.TransmissionRecord{*pendingRecord(1)}, nil
		},
	}
	source := &mockChangeSource{
		pullFn: func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
			return &PullResult{NextCursor: "200"}, nil
		},
	}
	sender := &mockSender{}
	coordinator, store := newTestCoordinator(&mockAccountStore{}, retries, source, sender)

	result, err := coordinator.RunPass(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sender.calls != 1 {
		t.Errorf("expected the due record redispatched, got %d sends", sender.calls)
	}
	if len(store.succeeded) != 1 {
		t.Errorf("expected the retried record marked succeeded, got %d", len(store.succeeded))
	}
	if result.Outcomes[OutcomeSucceeded] != 1 {
		t.Errorf("expected succeeded outcome counted, got %v", result.Outcomes)
	}
}

func TestRunPassCountsDuplicatesAndSuperseded(t *testing.T) {
	now := time.Now()
	source := &mockChangeSource{
		pullFn: func(ctx context.Context, accessToken, accountID, cursor string) (*PullResult, error) {
			return &PullResult{
				Events: []models.ChangeEvent{
					makeEvent("m1", models.ChangeCreated, now),
					makeEvent("m1", models.ChangeDeleted, now.Add(time.Second)),
					makeEvent("m2", models.ChangeUpdated, now),
				},
				NextCursor: "200",
			}, nil
		},
	}
	coordinator, _ := newTestCoordinator(&mockAccountStore{}, &mockRetryStore{}, source, &mockSender{})

	result, err := coordinator.RunPass(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Superseded != 1 {
		t.Errorf("expected 1 superseded, got %d", result.Superseded)
	}
	if result.Admitted != 2 {
		t.Errorf("expected 2 admitted, got %d", result.Admitted)
	}
}

func TestSentinelClassification(t *testing.T) {
	err := fmt.Errorf("%w: wrapped", ErrCursorInvalid)
	if !errors.Is(err, ErrCursorInvalid) {
		t.Error("wrapped cursor error must match the sentinel")
	}
	if errors.Is(err, ErrProviderUnavailable) {
		t.Error("cursor error must not match the provider sentinel")
	}
}
