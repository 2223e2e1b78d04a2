package service

import (
	"context"
	"time"

	"github.com/recaphq/sync-worker/internal/models"
)

// Store interfaces are declared on the consumer side so services can be
// tested with hand-rolled fakes; internal/repository provides the gorm
// implementations.

type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	ListActive(ctx context.Context) ([]models.Account, error)
	UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error
	Deactivate(ctx context.Context, accountID string) error
}

type SyncStateStore interface {
	Get(ctx context.Context, accountID string) (*models.SyncState, error)
	GetOrCreate(ctx context.Context, accountID string, defaultIntervalMinutes int) (*models.SyncState, error)
	Save(ctx context.Context, state *models.SyncState) error
	RecordFailure(ctx context.Context, accountID string) error
}

type ChannelStore interface {
	GetLiveByAccount(ctx context.Context, accountID string) (*models.WebhookChannel, error)
	GetByChannelID(ctx context.Context, channelID string) (*models.WebhookChannel, error)
	Create(ctx context.Context, channel *models.WebhookChannel) error
	Save(ctx context.Context, channel *models.WebhookChannel) error
	Replace(ctx context.Context, old *models.WebhookChannel, oldStatus models.ChannelStatus, replacement *models.WebhookChannel) error
	TouchReceived(ctx context.Context, channelID string) error
	ListExpiringBefore(ctx context.Context, deadline time.Time) ([]models.WebhookChannel, error)
}

type RecordStore interface {
	GetByExternalID(ctx context.Context, accountID, externalID string) (*models.CanonicalRecord, error)
	Upsert(ctx context.Context, record *models.CanonicalRecord) (created bool, err error)
	Tombstone(ctx context.Context, accountID, externalID string, kind models.RecordKind) (tombstoned bool, err error)
	HasMeetingStartingWithin(ctx context.Context, accountID string, from time.Time, window time.Duration) (bool, error)
	CountMeetingsBetween(ctx context.Context, accountID string, from, to time.Time) (int64, error)
}

type RunStore interface {
	Create(ctx context.Context, run *models.ReconciliationRun) error
	Finish(ctx context.Context, run *models.ReconciliationRun) error
	ErrorRateSince(ctx context.Context, accountID string, since time.Time) (rate float64, total int64, err error)
}

type LinkStore interface {
	Upsert(ctx context.Context, link *models.MeetingLink) error
	SoftDeleteByRecord(ctx context.Context, recordID string) error
}

type AlertStore interface {
	Raise(ctx context.Context, accountID string, issue models.HealthIssue, severity models.AlertSeverity, message string) (*models.HealthAlert, error)
	Resolve(ctx context.Context, alertID string) error
	ResolveForIssues(ctx context.Context, accountID string, issues []models.HealthIssue) error
	ListActive(ctx context.Context, accountID string) ([]models.HealthAlert, error)
}
