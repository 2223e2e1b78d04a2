package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/recaphq/sync-worker/internal/models"
	"gorm.io/gorm"
)

var ErrAlertNotFound = errors.New("alert not found")

type AlertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Raise opens an alert for the account/issue pair unless one is already
// active, so repeated health checks do not stack duplicates.
func (r *AlertRepository) Raise(ctx context.Context, accountID string, issue models.HealthIssue, severity models.AlertSeverity, message string) (*models.HealthAlert, error) {
	var existing models.HealthAlert
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND issue = ? AND status = ?", accountID, issue, models.AlertActive).
		First(&existing)
	if result.Error == nil {
		return &existing, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check active alert: %w", result.Error)
	}

	now := time.Now()
	alert := models.HealthAlert{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Issue:     issue,
		Severity:  severity,
		Status:    models.AlertActive,
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&alert).Error; err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	return &alert, nil
}

// Resolve closes one alert by id (operator action).
func (r *AlertRepository) Resolve(ctx context.Context, alertID string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.HealthAlert{}).
		Where("id = ? AND status = ?", alertID, models.AlertActive).
		Updates(map[string]interface{}{
			"status":      models.AlertResolved,
			"resolved_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to resolve alert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// ResolveForIssues closes active alerts for issues no longer detected by
// the latest passing health check.
func (r *AlertRepository) ResolveForIssues(ctx context.Context, accountID string, issues []models.HealthIssue) error {
	if len(issues) == 0 {
		return nil
	}
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.HealthAlert{}).
		Where("account_id = ? AND status = ? AND issue IN ?", accountID, models.AlertActive, issues).
		Updates(map[string]interface{}{
			"status":      models.AlertResolved,
			"resolved_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to resolve alerts: %w", result.Error)
	}
	return nil
}

// ListActive returns the account's open alerts.
func (r *AlertRepository) ListActive(ctx context.Context, accountID string) ([]models.HealthAlert, error) {
	var alerts []models.HealthAlert
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, models.AlertActive).
		Order("created_at ASC").
		Find(&alerts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", result.Error)
	}
	return alerts, nil
}
