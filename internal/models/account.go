package models

import "time"

// Account represents one registered mailbox under change detection.
// The cursor is owned exclusively by the sync pass for this account and
// is only advanced after a successful pull.
type Account struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	Email                string     `gorm:"column:email"`
	Label                string     `gorm:"column:label"`
	Enabled              bool       `gorm:"column:enabled"`
	Cursor               *string    `gorm:"column:cursor"`
	AccessToken          *string    `gorm:"column:access_token"`
	RefreshToken         *string    `gorm:"column:refresh_token"`
	AccessTokenExpiresAt *time.Time `gorm:"column:access_token_expires_at"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "account"
}

// CursorValue returns the stored cursor, or the empty initial cursor.
func (a *Account) CursorValue() string {
	if a.Cursor == nil {
		return ""
	}
	return *a.Cursor
}

// TokenExpired reports whether the access token is expired or will expire
// within the next 5 minutes.
func (a *Account) TokenExpired() bool {
	if a.AccessTokenExpiresAt == nil {
		return true
	}
	return time.Now().Add(5 * time.Minute).After(*a.AccessTokenExpiresAt)
}
