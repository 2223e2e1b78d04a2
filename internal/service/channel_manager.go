package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/recaphq/sync-worker/internal/logger"
	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/provider"
	"github.com/recaphq/sync-worker/internal/repository"
)

const (
	// A pending row older than this predates a crash between insert and
	// provider ack; it is treated as dead and recreated.
	stalePendingAge = 10 * time.Minute

	// A live channel with no delivery for this long triggers the expensive
	// stop-and-recreate probe during verification.
	staleDeliveryAge = 48 * time.Hour

	// Renewal failures before the channel is written off and escalated.
	maxRenewalFailures = 3
)

// ChannelResult is the outcome of EnsureChannel.
type ChannelResult struct {
	Channel *models.WebhookChannel
	Created bool
}

// RenewalResult is the outcome of RenewIfNearExpiry.
type RenewalResult struct {
	Renewed bool
	Channel *models.WebhookChannel
	Skipped string // non-empty when no renewal was attempted
}

// ChannelManager owns the push-subscription lifecycle: create, renew,
// verify, tear down. Callers hold the per-account lock for any mutating
// operation.
type ChannelManager struct {
	channels ChannelStore
	alerts   AlertStore

	adapters map[models.ProviderKind]provider.Adapter
	creds    CredentialSource

	callbackBase string
	budget       *semaphore.Weighted
	maxRetries   int
}

func NewChannelManager(
	channels ChannelStore,
	alerts AlertStore,
	adapters map[models.ProviderKind]provider.Adapter,
	creds CredentialSource,
	callbackBase string,
	budget *semaphore.Weighted,
	maxRetries int,
) *ChannelManager {
	return &ChannelManager{
		channels:     channels,
		alerts:       alerts,
		adapters:     adapters,
		creds:        creds,
		callbackBase: callbackBase,
		budget:       budget,
		maxRetries:   maxRetries,
	}
}

// CallbackURL is the ingress route registered with the provider.
func (m *ChannelManager) CallbackURL(kind models.ProviderKind) string {
	if kind == models.ProviderBotFeed {
		return m.callbackBase + "/webhooks/botfeed"
	}
	return m.callbackBase + "/webhooks/google-calendar"
}

// EnsureChannel returns the account's live channel, creating one when none
// exists. The row is inserted as pending before the provider call and
// promoted to active on ack, so a crash in between leaves evidence rather
// than an orphaned provider-side subscription.
func (m *ChannelManager) EnsureChannel(ctx context.Context, account *models.Account) (*ChannelResult, error) {
	live, err := m.channels.GetLiveByAccount(ctx, account.ID)
	if err != nil && !errors.Is(err, repository.ErrChannelNotFound) {
		return nil, err
	}

	if live != nil {
		if live.Status != models.ChannelPending {
			return &ChannelResult{Channel: live}, nil
		}
		if time.Since(live.CreatedAt) < stalePendingAge {
			return &ChannelResult{Channel: live}, nil
		}
		// Crashed mid-create; write the row off and start over.
		live.Status = models.ChannelFailed
		if err := m.channels.Save(ctx, live); err != nil {
			return nil, err
		}
	}

	adapter, ok := m.adapters[account.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %s", account.Provider)
	}

	creds, err := m.creds.Credentials(ctx, account)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	channel := &models.WebhookChannel{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		Status:    models.ChannelPending,
		ExpiresAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.channels.Create(ctx, channel); err != nil {
		return nil, err
	}

	sub, err := m.subscribe(ctx, adapter, creds, account)
	if err != nil {
		channel.Status = models.ChannelFailed
		if saveErr := m.channels.Save(ctx, channel); saveErr != nil {
			logger.WithField("account_id", account.ID).WithError(saveErr).Warn("Failed to mark channel failed")
		}
		if errors.Is(err, provider.ErrCredentialInvalid) {
			m.raise(ctx, account.ID, models.IssueCredentialInvalid, models.SeverityCritical,
				"provider rejected credentials during channel creation")
		}
		return nil, err
	}

	channel.ChannelID = sub.ChannelID
	channel.ResourceID = sub.ResourceID
	channel.ExpiresAt = sub.ExpiresAt
	channel.Status = models.ChannelActive
	if err := m.channels.Save(ctx, channel); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"channel_id": channel.ChannelID,
		"expires_at": channel.ExpiresAt,
	}).Info("Webhook channel created")

	return &ChannelResult{Channel: channel, Created: true}, nil
}

// RenewIfNearExpiry recreates the subscription when the lease ends within
// threshold. The old row and its replacement swap in one transaction so
// the account never has two live channels.
func (m *ChannelManager) RenewIfNearExpiry(ctx context.Context, account *models.Account, threshold time.Duration) (*RenewalResult, error) {
	live, err := m.channels.GetLiveByAccount(ctx, account.ID)
	if errors.Is(err, repository.ErrChannelNotFound) {
		return &RenewalResult{Skipped: "no live channel"}, nil
	}
	if err != nil {
		return nil, err
	}

	if live.Status == models.ChannelPending {
		return &RenewalResult{Skipped: "channel awaiting provider ack", Channel: live}, nil
	}
	if time.Until(live.ExpiresAt) >= threshold {
		return &RenewalResult{Skipped: "not near expiry", Channel: live}, nil
	}

	if live.Status == models.ChannelActive {
		live.Status = models.ChannelExpiring
		if err := m.channels.Save(ctx, live); err != nil {
			return nil, err
		}
	}

	adapter, ok := m.adapters[account.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %s", account.Provider)
	}

	creds, err := m.creds.Credentials(ctx, account)
	if err != nil {
		return nil, m.renewalFailed(ctx, account, live, err)
	}

	// Stop-then-create: the provider has no in-place renew, recreating is
	// the renewal. A failed stop is tolerable, the old lease lapses on its
	// own.
	if err := m.withBudget(ctx, func() error {
		return adapter.StopSubscription(ctx, creds, live.ChannelID, live.ResourceID)
	}); err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Warn("Failed to stop old channel before renewal")
	}

	sub, err := m.subscribe(ctx, adapter, creds, account)
	if err != nil {
		return nil, m.renewalFailed(ctx, account, live, err)
	}

	now := time.Now()
	replacement := &models.WebhookChannel{
		ID:           uuid.New().String(),
		AccountID:    account.ID,
		ChannelID:    sub.ChannelID,
		ResourceID:   sub.ResourceID,
		Status:       models.ChannelActive,
		ExpiresAt:    sub.ExpiresAt,
		RenewalCount: live.RenewalCount + 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.channels.Replace(ctx, live, models.ChannelExpired, replacement); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"account_id":    account.ID,
		"channel_id":    replacement.ChannelID,
		"renewal_count": replacement.RenewalCount,
	}).Info("Webhook channel renewed")

	return &RenewalResult{Renewed: true, Channel: replacement}, nil
}

// StopChannel tears down the account's live channel.
func (m *ChannelManager) StopChannel(ctx context.Context, account *models.Account) error {
	live, err := m.channels.GetLiveByAccount(ctx, account.ID)
	if errors.Is(err, repository.ErrChannelNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	adapter, ok := m.adapters[account.Provider]
	if !ok {
		return fmt.Errorf("no adapter for provider %s", account.Provider)
	}

	creds, err := m.creds.Credentials(ctx, account)
	if err == nil {
		if stopErr := m.withBudget(ctx, func() error {
			return adapter.StopSubscription(ctx, creds, live.ChannelID, live.ResourceID)
		}); stopErr != nil {
			logger.WithField("account_id", account.ID).WithError(stopErr).Warn("Provider stop failed, expiring channel locally")
		}
	}

	live.Status = models.ChannelExpired
	return m.channels.Save(ctx, live)
}

// VerifyChannel checks that the account's channel is plausibly alive.
// The cheap path is a local expiry check; a channel silent for too long
// gets the expensive stop-and-recreate probe.
func (m *ChannelManager) VerifyChannel(ctx context.Context, account *models.Account) (bool, error) {
	live, err := m.channels.GetLiveByAccount(ctx, account.ID)
	if errors.Is(err, repository.ErrChannelNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if time.Now().After(live.ExpiresAt) {
		return false, nil
	}

	silentSince := live.CreatedAt
	if live.LastReceivedAt != nil {
		silentSince = *live.LastReceivedAt
	}
	if time.Since(silentSince) < staleDeliveryAge {
		return true, nil
	}

	// Silent too long: prove the subscription exists by recreating it.
	result, err := m.RenewIfNearExpiry(ctx, account, time.Until(live.ExpiresAt)+time.Minute)
	if err != nil {
		return false, err
	}
	return result.Renewed, nil
}

func (m *ChannelManager) subscribe(ctx context.Context, adapter provider.Adapter, creds provider.Credentials, account *models.Account) (*provider.Subscription, error) {
	var sub *provider.Subscription
	err := m.withBudget(ctx, func() error {
		return provider.WithRetry(ctx, m.maxRetries, func() error {
			var err error
			sub, err = adapter.CreateSubscription(ctx, creds, account.ID, m.CallbackURL(account.Provider))
			return err
		})
	})
	return sub, err
}

// renewalFailed books one failed renewal attempt. Renewal failures count
// separately from sync failures; hitting the cap writes the channel off
// as expired and escalates to the health monitor.
func (m *ChannelManager) renewalFailed(ctx context.Context, account *models.Account, channel *models.WebhookChannel, cause error) error {
	channel.RenewalFailures++
	if channel.RenewalFailures >= maxRenewalFailures {
		channel.Status = models.ChannelExpired
		m.raise(ctx, account.ID, models.IssueConsecutiveFailures, models.SeverityCritical,
			fmt.Sprintf("channel renewal failed %d times consecutively", channel.RenewalFailures))
	}
	if errors.Is(cause, provider.ErrCredentialInvalid) {
		channel.Status = models.ChannelFailed
		m.raise(ctx, account.ID, models.IssueCredentialInvalid, models.SeverityCritical,
			"provider rejected credentials during channel renewal")
	}
	if err := m.channels.Save(ctx, channel); err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Warn("Failed to save channel after renewal failure")
	}

	logger.WithFields(logrus.Fields{
		"account_id":       account.ID,
		"channel_id":       channel.ChannelID,
		"renewal_failures": channel.RenewalFailures,
	}).WithError(cause).Error("Channel renewal failed")

	return fmt.Errorf("channel renewal: %w", cause)
}

func (m *ChannelManager) raise(ctx context.Context, accountID string, issue models.HealthIssue, severity models.AlertSeverity, message string) {
	if _, err := m.alerts.Raise(ctx, accountID, issue, severity, message); err != nil {
		logger.WithField("account_id", accountID).WithError(err).Warn("Failed to raise alert")
	}
}

func (m *ChannelManager) withBudget(ctx context.Context, fn func() error) error {
	if m.budget != nil {
		if err := m.budget.Acquire(ctx, 1); err != nil {
			return err
		}
		defer m.budget.Release(1)
	}
	return fn()
}
