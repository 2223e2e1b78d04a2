package models

import (
	"time"

	"gorm.io/datatypes"
)

type RecordKind string

const (
	RecordCalendarEvent RecordKind = "calendar_event"
	RecordBotStatus     RecordKind = "bot_status"
)

// CanonicalRecord mirrors one provider-owned item locally. Deletions are
// tombstones so that replaying a stale window fetch cannot resurrect an item.
type CanonicalRecord struct {
	ID        string `gorm:"column:id;primaryKey"`
	AccountID string `gorm:"column:account_id;uniqueIndex:idx_account_external"`
	// ExternalID is the provider-assigned id, unique per account.
	ExternalID    string         `gorm:"column:external_id;uniqueIndex:idx_account_external"`
	Kind          RecordKind     `gorm:"column:kind"`
	Title         string         `gorm:"column:title"`
	Description   string         `gorm:"column:description"`
	Location      string         `gorm:"column:location"`
	StartsAt      *time.Time     `gorm:"column:starts_at"`
	EndsAt        *time.Time     `gorm:"column:ends_at"`
	AllDay        bool           `gorm:"column:all_day"`
	AttendeeCount int            `gorm:"column:attendee_count"`
	ConferenceURL *string        `gorm:"column:conference_url"`
	BotStatus     *string        `gorm:"column:bot_status"`
	IsMeeting     bool           `gorm:"column:is_meeting"`
	Deleted       bool           `gorm:"column:deleted;index"`
	Raw           datatypes.JSON `gorm:"column:raw"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (CanonicalRecord) TableName() string {
	return "canonical_records"
}
