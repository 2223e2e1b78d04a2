package models

import "time"

// MeetingLink pairs a calendar event classified as a meeting with the
// bot that should join it. Created and removed by the reconciler as the
// event's meeting classification changes.
type MeetingLink struct {
	ID          string     `gorm:"column:id;primaryKey"`
	AccountID   string     `gorm:"column:account_id;index"`
	RecordID    string     `gorm:"column:record_id;uniqueIndex"`
	ExternalID  string     `gorm:"column:external_id"`
	JoinURL     string     `gorm:"column:join_url"`
	ScheduledAt *time.Time `gorm:"column:scheduled_at"`
	Deleted     bool       `gorm:"column:deleted"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (MeetingLink) TableName() string {
	return "meeting_links"
}
