package models

import "time"

type ChangeFrequency string

const (
	FrequencyLow    ChangeFrequency = "low"
	FrequencyMedium ChangeFrequency = "medium"
	FrequencyHigh   ChangeFrequency = "high"
)

// SyncState holds the per-account incremental sync position and counters.
// Mutated only by the reconciler and the adaptive scheduler.
type SyncState struct {
	ID        string `gorm:"column:id;primaryKey"`
	AccountID string `gorm:"column:account_id;uniqueIndex"`
	// Cursor is the provider-issued change-stream token. NULL before the
	// first successful sync or after the provider expires it.
	Cursor                  *string         `gorm:"column:cursor"`
	LastSyncAt              *time.Time      `gorm:"column:last_sync_at"`
	ChangeFrequency         ChangeFrequency `gorm:"column:change_frequency"`
	NextPollIntervalMinutes int             `gorm:"column:next_poll_interval_minutes"`
	ConsecutiveFailures     int             `gorm:"column:consecutive_failures"`
	EventsSinceLastSync     int             `gorm:"column:events_since_last_sync"`
	CreatedAt               time.Time       `gorm:"column:created_at"`
	UpdatedAt               time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (SyncState) TableName() string {
	return "sync_states"
}
