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

type SyncStateRepository struct {
	db *gorm.DB
}

func NewSyncStateRepository(db *gorm.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// Get returns the account's sync state without writing. An account that
// has never synced gets an in-memory default, not a new row.
func (r *SyncStateRepository) Get(ctx context.Context, accountID string) (*models.SyncState, error) {
	var state models.SyncState
	result := r.db.WithContext(ctx).First(&state, "account_id = ?", accountID)
	if result.Error == nil {
		return &state, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get sync state: %w", result.Error)
	}
	return &models.SyncState{
		AccountID:       accountID,
		ChangeFrequency: models.FrequencyMedium,
	}, nil
}

// GetOrCreate returns the account's sync state, creating the initial row
// on first touch.
func (r *SyncStateRepository) GetOrCreate(ctx context.Context, accountID string, defaultIntervalMinutes int) (*models.SyncState, error) {
	var state models.SyncState
	result := r.db.WithContext(ctx).First(&state, "account_id = ?", accountID)
	if result.Error == nil {
		return &state, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get sync state: %w", result.Error)
	}

	now := time.Now()
	state = models.SyncState{
		ID:                      uuid.New().String(),
		AccountID:               accountID,
		ChangeFrequency:         models.FrequencyMedium,
		NextPollIntervalMinutes: defaultIntervalMinutes,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := r.db.WithContext(ctx).Create(&state).Error; err != nil {
		return nil, fmt.Errorf("failed to create sync state: %w", err)
	}
	return &state, nil
}

// Save persists the full state row. The cursor must only be advanced after
// the whole change batch has been applied; callers own that ordering.
func (r *SyncStateRepository) Save(ctx context.Context, state *models.SyncState) error {
	state.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// RecordFailure increments consecutive_failures without touching the cursor.
func (r *SyncStateRepository) RecordFailure(ctx context.Context, accountID string) error {
	result := r.db.WithContext(ctx).Model(&models.SyncState{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record sync failure: %w", result.Error)
	}
	return nil
}
