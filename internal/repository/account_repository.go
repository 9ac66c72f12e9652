package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailwatch/mailsync-worker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByID retrieves account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// GetEnabled retrieves all enabled accounts in registration order.
func (r *AccountRepository) GetEnabled(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("created_at ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query enabled accounts: %w", result.Error)
	}
	return accounts, nil
}

// UpdateCursor advances the account's change cursor. The sync pass is the
// single writer for this column.
func (r *AccountRepository) UpdateCursor(ctx context.Context, accountID string, cursor string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"cursor":     cursor,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update cursor: %w", result.Error)
	}
	return nil
}

// ClearCursor resets the cursor after the provider reports it expired.
// The next pass restarts from the beginning of retained history.
func (r *AccountRepository) ClearCursor(ctx context.Context, accountID string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"cursor":     nil,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to clear cursor: %w", result.Error)
	}
	return nil
}

// UpdateTokens updates access token, refresh token, and the access token expiry
func (r *AccountRepository) UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"access_token":            accessToken,
			"refresh_token":           refreshToken,
			"access_token_expires_at": accessTokenExpiresAt,
			"updated_at":              time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}

// SetEnabled soft-disables or re-enables an account. Accounts are never
// deleted while transmission history references them.
func (r *AccountRepository) SetEnabled(ctx context.Context, accountID string, enabled bool) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"enabled":    enabled,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update enabled flag: %w", result.Error)
	}
	return nil
}

// Seed registers accounts that do not exist yet. Existing rows keep their
// cursor and tokens; only the label and enabled flag are refreshed.
func (r *AccountRepository) Seed(ctx context.Context, accounts []models.Account) error {
	if len(accounts) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"label", "enabled", "updated_at"}),
	}).Create(&accounts)
	if result.Error != nil {
		return fmt.Errorf("failed to seed accounts: %w", result.Error)
	}
	return nil
}
