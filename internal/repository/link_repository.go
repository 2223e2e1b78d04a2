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

type LinkRepository struct {
	db *gorm.DB
}

func NewLinkRepository(db *gorm.DB) *LinkRepository {
	return &LinkRepository{db: db}
}

// Upsert creates or refreshes the bot linkage for a meeting record.
func (r *LinkRepository) Upsert(ctx context.Context, link *models.MeetingLink) error {
	now := time.Now()

	var existing models.MeetingLink
	result := r.db.WithContext(ctx).First(&existing, "record_id = ?", link.RecordID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		link.ID = uuid.New().String()
		link.CreatedAt = now
		link.UpdatedAt = now
		if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
			return fmt.Errorf("failed to create meeting link: %w", err)
		}
		return nil
	}
	if result.Error != nil {
		return fmt.Errorf("failed to get meeting link: %w", result.Error)
	}

	link.ID = existing.ID
	link.CreatedAt = existing.CreatedAt
	link.UpdatedAt = now
	link.Deleted = false
	if err := r.db.WithContext(ctx).Save(link).Error; err != nil {
		return fmt.Errorf("failed to update meeting link: %w", err)
	}
	return nil
}

// SoftDeleteByRecord removes the bot linkage when an event stops being a
// meeting. Deleting a linkage that does not exist is a no-op.
func (r *LinkRepository) SoftDeleteByRecord(ctx context.Context, recordID string) error {
	result := r.db.WithContext(ctx).Model(&models.MeetingLink{}).
		Where("record_id = ? AND deleted = ?", recordID, false).
		Updates(map[string]interface{}{
			"deleted":    true,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to delete meeting link: %w", result.Error)
	}
	return nil
}
