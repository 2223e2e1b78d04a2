package models

import "time"

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Issue types detected by the health monitor.
type HealthIssue string

const (
	IssueWebhookInactive     HealthIssue = "webhook_inactive"
	IssueSyncDelayed         HealthIssue = "sync_delayed"
	IssueHighErrorRate       HealthIssue = "high_error_rate"
	IssueConsecutiveFailures HealthIssue = "consecutive_failures"
	IssueMissingMeetings     HealthIssue = "missing_meetings"
	IssueCredentialInvalid   HealthIssue = "credential_invalid"
)

// HealthAlert is the operator-facing error surface. Raw provider errors
// never reach it, only classified issues.
type HealthAlert struct {
	ID         string        `gorm:"column:id;primaryKey"`
	AccountID  string        `gorm:"column:account_id;index"`
	Issue      HealthIssue   `gorm:"column:issue"`
	Severity   AlertSeverity `gorm:"column:severity"`
	Status     AlertStatus   `gorm:"column:status;index"`
	Message    string        `gorm:"column:message"`
	ResolvedAt *time.Time    `gorm:"column:resolved_at"`
	CreatedAt  time.Time     `gorm:"column:created_at"`
	UpdatedAt  time.Time     `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (HealthAlert) TableName() string {
	return "health_alerts"
}
