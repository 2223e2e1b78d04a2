package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/recaphq/sync-worker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRecordNotFound = errors.New("canonical record not found")

type RecordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// GetByExternalID retrieves a record by its provider-assigned id.
func (r *RecordRepository) GetByExternalID(ctx context.Context, accountID, externalID string) (*models.CanonicalRecord, error) {
	var record models.CanonicalRecord
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND external_id = ?", accountID, externalID).
		First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", result.Error)
	}
	return &record, nil
}

// Upsert inserts or updates by (account_id, external_id) and reports
// whether a new row was created. Callers hold the per-account lock, so
// the read-then-write pair cannot race; re-applying the same change batch
// converges to the same rows, which keeps at-least-once replay safe.
func (r *RecordRepository) Upsert(ctx context.Context, record *models.CanonicalRecord) (created bool, err error) {
	now := time.Now()

	existing, err := r.GetByExternalID(ctx, record.AccountID, record.ExternalID)
	if errors.Is(err, ErrRecordNotFound) {
		record.ID = uuid.New().String()
		record.CreatedAt = now
		record.UpdatedAt = now
		if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "external_id"}},
			DoNothing: true,
		}).Create(record).Error; err != nil {
			return false, fmt.Errorf("failed to create record: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	record.ID = existing.ID
	record.CreatedAt = existing.CreatedAt
	record.UpdatedAt = now
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return false, fmt.Errorf("failed to update record: %w", err)
	}
	return false, nil
}

// Tombstone soft-deletes the record with the given external id, creating a
// bare tombstone row when none exists so a later stale window fetch cannot
// resurrect the item. Tombstoning an already-tombstoned id is a no-op; the
// return value reports whether a live record was actually deleted.
func (r *RecordRepository) Tombstone(ctx context.Context, accountID, externalID string, kind models.RecordKind) (bool, error) {
	now := time.Now()

	record, err := r.GetByExternalID(ctx, accountID, externalID)
	if errors.Is(err, ErrRecordNotFound) {
		tombstone := models.CanonicalRecord{
			ID:         uuid.New().String(),
			AccountID:  accountID,
			ExternalID: externalID,
			Kind:       kind,
			Deleted:    true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "external_id"}},
			DoNothing: true,
		}).Create(&tombstone).Error; err != nil {
			return false, fmt.Errorf("failed to create tombstone: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if record.Deleted {
		return false, nil
	}

	result := r.db.WithContext(ctx).Model(&models.CanonicalRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"deleted":    true,
			"is_meeting": false,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to tombstone record: %w", result.Error)
	}
	return true, nil
}

// HasMeetingStartingWithin reports whether any live meeting for the
// account starts inside the window; drives the near-meeting poll override.
func (r *RecordRepository) HasMeetingStartingWithin(ctx context.Context, accountID string, from time.Time, window time.Duration) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.CanonicalRecord{}).
		Where("account_id = ? AND is_meeting = ? AND deleted = ?", accountID, true, false).
		Where("starts_at BETWEEN ? AND ?", from, from.Add(window)).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to count upcoming meetings: %w", result.Error)
	}
	return count > 0, nil
}

// CountMeetingsBetween counts live meetings in a time range; the health
// monitor's gap heuristic compares recent ranges against history.
func (r *RecordRepository) CountMeetingsBetween(ctx context.Context, accountID string, from, to time.Time) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.CanonicalRecord{}).
		Where("account_id = ? AND is_meeting = ? AND deleted = ?", accountID, true, false).
		Where("starts_at BETWEEN ? AND ?", from, to).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count meetings: %w", result.Error)
	}
	return count, nil
}
