package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recaphq/sync-worker/internal/models"
	"gorm.io/gorm"
)

var ErrChannelNotFound = errors.New("webhook channel not found")

type ChannelRepository struct {
	db *gorm.DB
}

func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

var liveStatuses = []models.ChannelStatus{
	models.ChannelPending,
	models.ChannelActive,
	models.ChannelExpiring,
}

// GetLiveByAccount returns the account's live channel, if any. At most one
// exists per account.
func (r *ChannelRepository) GetLiveByAccount(ctx context.Context, accountID string) (*models.WebhookChannel, error) {
	var channel models.WebhookChannel
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND status IN ?", accountID, liveStatuses).
		Order("created_at DESC").
		First(&channel)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to get live channel: %w", result.Error)
	}
	return &channel, nil
}

// GetByChannelID resolves a provider channel id to the local row; used by
// webhook ingress to find the account a delivery belongs to.
func (r *ChannelRepository) GetByChannelID(ctx context.Context, channelID string) (*models.WebhookChannel, error) {
	var channel models.WebhookChannel
	result := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC").
		First(&channel)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to get channel: %w", result.Error)
	}
	return &channel, nil
}

// Create inserts a new channel row.
func (r *ChannelRepository) Create(ctx context.Context, channel *models.WebhookChannel) error {
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

// Save persists the full channel row.
func (r *ChannelRepository) Save(ctx context.Context, channel *models.WebhookChannel) error {
	channel.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(channel).Error; err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// Replace marks the old channel row and inserts the new one in a single
// transaction, so there is never a moment with two live channels (or zero
// rows) for the account.
func (r *ChannelRepository) Replace(ctx context.Context, old *models.WebhookChannel, oldStatus models.ChannelStatus, replacement *models.WebhookChannel) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		result := tx.Model(&models.WebhookChannel{}).
			Where("id = ?", old.ID).
			Updates(map[string]interface{}{
				"status":     oldStatus,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		return tx.Create(replacement).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace channel: %w", err)
	}
	old.Status = oldStatus
	return nil
}

// TouchReceived records a webhook delivery on the channel.
func (r *ChannelRepository) TouchReceived(ctx context.Context, channelID string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.WebhookChannel{}).
		Where("channel_id = ?", channelID).
		Updates(map[string]interface{}{
			"last_received_at": now,
			"updated_at":       now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to touch channel: %w", result.Error)
	}
	return nil
}

// ListExpiringBefore returns live channels whose lease ends before the
// given time; these are the renewal candidates.
func (r *ChannelRepository) ListExpiringBefore(ctx context.Context, deadline time.Time) ([]models.WebhookChannel, error) {
	var channels []models.WebhookChannel
	result := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", liveStatuses, deadline).
		Order("expires_at ASC").
		Find(&channels)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list expiring channels: %w", result.Error)
	}
	return channels, nil
}
