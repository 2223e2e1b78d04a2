package models

import "time"

type ProviderKind string

const (
	ProviderCalendar ProviderKind = "calendar"
	ProviderBotFeed  ProviderKind = "bot-feed"
)

// Account is one user's subscription to one provider feed.
type Account struct {
	ID                   string       `gorm:"column:id;primaryKey"`
	UserID               string       `gorm:"column:user_id;index"`
	Provider             ProviderKind `gorm:"column:provider"`
	AccessToken          *string      `gorm:"column:access_token"`
	RefreshToken         *string      `gorm:"column:refresh_token"`
	AccessTokenExpiresAt *time.Time   `gorm:"column:access_token_expires_at"`
	Active               bool         `gorm:"column:active"`
	// LastActiveAt records the most recent user interaction with this
	// account's data; the scheduler suppresses polls shortly after it.
	LastActiveAt *time.Time `gorm:"column:last_active_at"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "accounts"
}
