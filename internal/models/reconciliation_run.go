package models

import "time"

type RunOutcome string

const (
	RunCompleted RunOutcome = "completed"
	RunFailed    RunOutcome = "failed"
	RunSkipped   RunOutcome = "skipped"
)

type RunTrigger string

const (
	TriggerSweep   RunTrigger = "sweep"
	TriggerWebhook RunTrigger = "webhook"
	TriggerManual  RunTrigger = "manual"
)

// ReconciliationRun is the append-only audit record of one sync pass.
// Never mutated after FinishedAt is set.
type ReconciliationRun struct {
	ID          string     `gorm:"column:id;primaryKey"`
	AccountID   string     `gorm:"column:account_id;index"`
	Trigger     RunTrigger `gorm:"column:trigger"`
	StartedAt   time.Time  `gorm:"column:started_at;index"`
	FinishedAt  *time.Time `gorm:"column:finished_at"`
	Processed   int        `gorm:"column:processed"`
	Created     int        `gorm:"column:created"`
	Updated     int        `gorm:"column:updated"`
	Deleted     int        `gorm:"column:deleted"`
	Outcome     RunOutcome `gorm:"column:outcome"`
	ErrorDetail *string    `gorm:"column:error_detail"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (ReconciliationRun) TableName() string {
	return "reconciliation_runs"
}
