package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/recaphq/sync-worker/internal/models"
	"gorm.io/gorm"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create appends a new run row.
func (r *RunRepository) Create(ctx context.Context, run *models.ReconciliationRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Finish writes the terminal fields of a run. The audit trail is
// append-only: a run is written once at start and finished once, never
// touched again.
func (r *RunRepository) Finish(ctx context.Context, run *models.ReconciliationRun) error {
	result := r.db.WithContext(ctx).Model(&models.ReconciliationRun{}).
		Where("id = ? AND finished_at IS NULL", run.ID).
		Updates(map[string]interface{}{
			"finished_at":  run.FinishedAt,
			"processed":    run.Processed,
			"created":      run.Created,
			"updated":      run.Updated,
			"deleted":      run.Deleted,
			"outcome":      run.Outcome,
			"error_detail": run.ErrorDetail,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish run: %w", result.Error)
	}
	return nil
}

// ErrorRateSince returns failed/total for the account's finished runs in
// the trailing window, plus the totals. Skipped runs do not count.
func (r *RunRepository) ErrorRateSince(ctx context.Context, accountID string, since time.Time) (rate float64, total int64, err error) {
	base := r.db.WithContext(ctx).Model(&models.ReconciliationRun{}).
		Where("account_id = ? AND started_at >= ? AND outcome IN ?",
			accountID, since, []models.RunOutcome{models.RunCompleted, models.RunFailed})

	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count runs: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}

	var failed int64
	if err := base.Session(&gorm.Session{}).Where("outcome = ?", models.RunFailed).Count(&failed).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count failed runs: %w", err)
	}
	return float64(failed) / float64(total), total, nil
}
