package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recaphq/sync-worker/internal/logger"
	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/repository"
)

const (
	errorRateWindow = 7 * 24 * time.Hour

	syncDelayMedium = 30 * time.Minute
	syncDelayHigh   = time.Hour

	penaltyInactiveChannel = 0.3
	penaltyDelayMedium     = 0.1
	penaltyDelayHigh       = 0.2
	errorRatePenaltyCap    = 0.4

	highErrorRateThreshold = 0.10
	failureStreakThreshold = 3

	healthyScore   = 0.8
	unhealthyScore = 0.5

	// Gap heuristic: an account that recorded meetings steadily over the
	// trailing month but none in the last few days probably stopped
	// receiving changes. Best effort, it never drives remediation.
	gapHistoryStart = 28 * 24 * time.Hour
	gapRecentWindow = 3 * 24 * time.Hour
	gapHistoryMin   = 15
)

// monitoredIssues are the issues the monitor detects itself and therefore
// auto-resolves when they clear. Credential alerts are raised by the
// reconciler and channel manager and stay until an operator intervenes.
var monitoredIssues = []models.HealthIssue{
	models.IssueWebhookInactive,
	models.IssueSyncDelayed,
	models.IssueHighErrorRate,
	models.IssueConsecutiveFailures,
	models.IssueMissingMeetings,
}

// HealthFinding is one detected issue contributing to an account's score.
type HealthFinding struct {
	Issue    models.HealthIssue
	Severity models.AlertSeverity
	Message  string
}

// HealthRecord is the scored health of one account at a point in time.
type HealthRecord struct {
	AccountID   string
	Score       float64
	Healthy     bool
	Findings    []HealthFinding
	EvaluatedAt time.Time
}

// HealthSummary aggregates an EvaluateAll pass.
type HealthSummary struct {
	Evaluated int
	Healthy   int
	Unhealthy int
	Records   []HealthRecord
}

// HealthMonitor scores account sync health from sync state, channel state
// and the run audit trail, raises and resolves alerts, and repairs broken
// channels. It never writes sync state.
type HealthMonitor struct {
	accounts AccountStore
	states   SyncStateStore
	channels ChannelStore
	runs     RunStore
	records  RecordStore
	alerts   AlertStore

	channelMgr *ChannelManager

	renewalThreshold time.Duration
	maxSyncDelay     time.Duration
}

func NewHealthMonitor(
	accounts AccountStore,
	states SyncStateStore,
	channels ChannelStore,
	runs RunStore,
	records RecordStore,
	alerts AlertStore,
	channelMgr *ChannelManager,
	renewalThreshold time.Duration,
) *HealthMonitor {
	return &HealthMonitor{
		accounts:         accounts,
		states:           states,
		channels:         channels,
		runs:             runs,
		records:          records,
		alerts:           alerts,
		channelMgr:       channelMgr,
		renewalThreshold: renewalThreshold,
		maxSyncDelay:     syncDelayHigh,
	}
}

// Evaluate scores one account. Read-only: no alerts are raised and no
// remediation happens here.
func (h *HealthMonitor) Evaluate(ctx context.Context, account *models.Account, now time.Time) (*HealthRecord, error) {
	state, err := h.states.Get(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	channel, err := h.channels.GetLiveByAccount(ctx, account.ID)
	if err != nil && !errors.Is(err, repository.ErrChannelNotFound) {
		return nil, err
	}

	record := &HealthRecord{AccountID: account.ID, Score: 1.0, EvaluatedAt: now}

	if channel == nil || channel.Status != models.ChannelActive {
		record.Score -= penaltyInactiveChannel
		record.Findings = append(record.Findings, HealthFinding{
			Issue:    models.IssueWebhookInactive,
			Severity: models.SeverityHigh,
			Message:  "no active webhook channel",
		})
	}

	if state.LastSyncAt != nil {
		delay := now.Sub(*state.LastSyncAt)
		switch {
		case delay > syncDelayHigh:
			record.Score -= penaltyDelayHigh
		case delay > syncDelayMedium:
			record.Score -= penaltyDelayMedium
		}
		if delay > h.maxSyncDelay {
			record.Findings = append(record.Findings, HealthFinding{
				Issue:    models.IssueSyncDelayed,
				Severity: models.SeverityMedium,
				Message:  fmt.Sprintf("last sync %s ago", delay.Round(time.Minute)),
			})
		}
	}

	rate, total, err := h.runs.ErrorRateSince(ctx, account.ID, now.Add(-errorRateWindow))
	if err != nil {
		return nil, err
	}
	if total > 0 {
		record.Score -= min(errorRatePenaltyCap, rate)
		if rate > highErrorRateThreshold {
			record.Findings = append(record.Findings, HealthFinding{
				Issue:    models.IssueHighErrorRate,
				Severity: models.SeverityHigh,
				Message:  fmt.Sprintf("%.0f%% of runs failed over the trailing week", rate*100),
			})
		}
	}

	if state.ConsecutiveFailures >= failureStreakThreshold {
		record.Findings = append(record.Findings, HealthFinding{
			Issue:    models.IssueConsecutiveFailures,
			Severity: models.SeverityCritical,
			Message:  fmt.Sprintf("%d consecutive sync failures", state.ConsecutiveFailures),
		})
	}

	if gap, err := h.detectGap(ctx, account.ID, now); err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Warn("Gap detection failed")
	} else if gap {
		record.Findings = append(record.Findings, HealthFinding{
			Issue:    models.IssueMissingMeetings,
			Severity: models.SeverityMedium,
			Message:  "no meetings recorded recently for a historically busy account",
		})
	}

	if record.Score < 0 {
		record.Score = 0
	}
	record.Healthy = record.Score >= healthyScore && !record.hasCritical()

	return record, nil
}

// EvaluateAll scores every active account without side effects.
func (h *HealthMonitor) EvaluateAll(ctx context.Context) (*HealthSummary, error) {
	accounts, err := h.accounts.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	summary := &HealthSummary{}
	for i := range accounts {
		record, err := h.Evaluate(ctx, &accounts[i], now)
		if err != nil {
			logger.WithField("account_id", accounts[i].ID).WithError(err).Error("Health evaluation failed")
			continue
		}
		summary.Evaluated++
		if record.Healthy {
			summary.Healthy++
		} else {
			summary.Unhealthy++
		}
		summary.Records = append(summary.Records, *record)
	}
	return summary, nil
}

// CheckAndRepair verifies the account's channel, evaluates the account,
// reconciles its alerts and applies the remediation policy. The caller
// holds the account lock so repair cannot race a sync pass.
func (h *HealthMonitor) CheckAndRepair(ctx context.Context, account *models.Account) (*HealthRecord, error) {
	// Verification runs before scoring: a long-silent channel gets the
	// recreate probe, and a lease the probe could not revive is expired
	// locally so it scores as inactive below.
	alive, err := h.channelMgr.VerifyChannel(ctx, account)
	if err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Warn("Channel verification failed")
	} else if !alive {
		if err := h.channelMgr.StopChannel(ctx, account); err != nil {
			logger.WithField("account_id", account.ID).WithError(err).Warn("Failed to expire dead channel")
		}
	}

	record, err := h.Evaluate(ctx, account, time.Now())
	if err != nil {
		return nil, err
	}

	detected := make(map[models.HealthIssue]bool, len(record.Findings))
	for _, f := range record.Findings {
		detected[f.Issue] = true
		if _, err := h.alerts.Raise(ctx, account.ID, f.Issue, f.Severity, f.Message); err != nil {
			logger.WithField("account_id", account.ID).WithError(err).Warn("Failed to raise alert")
		}
	}

	var cleared []models.HealthIssue
	for _, issue := range monitoredIssues {
		if !detected[issue] {
			cleared = append(cleared, issue)
		}
	}
	if len(cleared) > 0 {
		if err := h.alerts.ResolveForIssues(ctx, account.ID, cleared); err != nil {
			logger.WithField("account_id", account.ID).WithError(err).Warn("Failed to resolve cleared alerts")
		}
	}

	h.remediate(ctx, account, record)
	return record, nil
}

// Resolve closes one alert by operator action.
func (h *HealthMonitor) Resolve(ctx context.Context, alertID string) error {
	return h.alerts.Resolve(ctx, alertID)
}

// remediate applies the auto-fix policy: critically unhealthy accounts get
// their channel recreated, otherwise a near-expiry lease gets renewed. The
// gap heuristic never triggers remediation on its own; it carries no score
// penalty and is not critical.
func (h *HealthMonitor) remediate(ctx context.Context, account *models.Account, record *HealthRecord) {
	if record.hasCritical() || record.Score < unhealthyScore {
		logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"score":      record.Score,
		}).Warn("Recreating webhook channel for unhealthy account")

		if err := h.channelMgr.StopChannel(ctx, account); err != nil {
			logger.WithField("account_id", account.ID).WithError(err).Error("Auto-fix stop failed")
			return
		}
		if _, err := h.channelMgr.EnsureChannel(ctx, account); err != nil {
			logger.WithField("account_id", account.ID).WithError(err).Error("Auto-fix recreate failed")
		}
		return
	}

	if _, err := h.channelMgr.RenewIfNearExpiry(ctx, account, h.renewalThreshold); err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Warn("Auto-fix renewal failed")
	}
}

func (h *HealthMonitor) detectGap(ctx context.Context, accountID string, now time.Time) (bool, error) {
	historical, err := h.records.CountMeetingsBetween(ctx, accountID, now.Add(-gapHistoryStart), now.Add(-gapRecentWindow))
	if err != nil {
		return false, err
	}
	if historical < gapHistoryMin {
		return false, nil
	}
	recent, err := h.records.CountMeetingsBetween(ctx, accountID, now.Add(-gapRecentWindow), now)
	if err != nil {
		return false, err
	}
	return recent == 0, nil
}

func (r *HealthRecord) hasCritical() bool {
	for _, f := range r.Findings {
		if f.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}
