package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/recaphq/sync-worker/internal/logger"
	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/provider"
	"github.com/recaphq/sync-worker/internal/repository"
)

const (
	// Window bounds for the first sync and for cursor-loss fallback.
	firstSyncLookback = 30 * 24 * time.Hour
	windowLookahead   = 30 * 24 * time.Hour
	cursorLossGrace   = 24 * time.Hour
)

// Reconciler performs one sync pass for one account: pull changes since
// the cursor (or a bounded window when the cursor is gone), apply them to
// the canonical record set, then advance the cursor. Callers hold the
// per-account lock; the reconciler itself never locks.
type Reconciler struct {
	accounts AccountStore
	states   SyncStateStore
	records  RecordStore
	links    LinkStore
	runs     RunStore
	alerts   AlertStore

	adapters  map[models.ProviderKind]provider.Adapter
	creds     CredentialSource
	scheduler *Scheduler

	// budget bounds concurrent outbound provider calls across all accounts.
	budget     *semaphore.Weighted
	maxRetries int
}

func NewReconciler(
	accounts AccountStore,
	states SyncStateStore,
	records RecordStore,
	links LinkStore,
	runs RunStore,
	alerts AlertStore,
	adapters map[models.ProviderKind]provider.Adapter,
	creds CredentialSource,
	scheduler *Scheduler,
	budget *semaphore.Weighted,
	maxRetries int,
) *Reconciler {
	return &Reconciler{
		accounts:   accounts,
		states:     states,
		records:    records,
		links:      links,
		runs:       runs,
		alerts:     alerts,
		adapters:   adapters,
		creds:      creds,
		scheduler:  scheduler,
		budget:     budget,
		maxRetries: maxRetries,
	}
}

// Run executes one reconciliation pass. The returned error mirrors the
// run's failure detail; callers log it and move on, it never aborts a sweep.
func (r *Reconciler) Run(ctx context.Context, account *models.Account, trigger models.RunTrigger) (*models.ReconciliationRun, error) {
	run := &models.ReconciliationRun{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		Trigger:   trigger,
		StartedAt: time.Now(),
		Outcome:   models.RunFailed,
		CreatedAt: time.Now(),
	}
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}

	log := logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.Provider,
		"run_id":     run.ID,
		"trigger":    trigger,
	})

	adapter, ok := r.adapters[account.Provider]
	if !ok {
		return r.fail(ctx, run, account, fmt.Errorf("no adapter for provider %s", account.Provider))
	}

	state, err := r.states.GetOrCreate(ctx, account.ID, r.scheduler.DefaultIntervalMinutes())
	if err != nil {
		return r.fail(ctx, run, account, err)
	}

	creds, err := r.creds.Credentials(ctx, account)
	if err != nil {
		if errors.Is(err, provider.ErrCredentialInvalid) {
			r.handleCredentialFailure(ctx, account, err)
		}
		return r.fail(ctx, run, account, err)
	}

	changes, newCursor, err := r.fetchChanges(ctx, adapter, creds, state, log)
	if err != nil {
		if errors.Is(err, provider.ErrCredentialInvalid) {
			r.handleCredentialFailure(ctx, account, err)
		}
		return r.fail(ctx, run, account, err)
	}

	log.WithField("changes", len(changes)).Debug("Applying change batch")

	// Apply in provider order. Any persistence failure aborts the pass
	// before the cursor moves; re-running from the old cursor replays the
	// same batch and the idempotent upserts converge.
	for _, change := range changes {
		if err := r.apply(ctx, account, change, run); err != nil {
			return r.fail(ctx, run, account, err)
		}
		run.Processed++
	}

	now := time.Now()
	dense := r.scheduler.HasDenseHistory(ctx, account.ID, now)
	r.scheduler.UpdateAfterRun(state, len(changes), dense)

	if newCursor != "" {
		state.Cursor = &newCursor
	} else {
		state.Cursor = nil
	}
	state.LastSyncAt = &now
	state.ConsecutiveFailures = 0
	if err := r.states.Save(ctx, state); err != nil {
		return r.fail(ctx, run, account, err)
	}

	finished := time.Now()
	run.FinishedAt = &finished
	run.Outcome = models.RunCompleted
	run.ErrorDetail = nil
	if err := r.runs.Finish(ctx, run); err != nil {
		log.WithError(err).Warn("Failed to finalize run record")
	}

	log.WithFields(logrus.Fields{
		"processed": run.Processed,
		"created":   run.Created,
		"updated":   run.Updated,
		"deleted":   run.Deleted,
	}).Info("Reconciliation pass completed")

	return run, nil
}

// RecordSkipped writes the audit row for a pass that was dropped before it
// started (lock held elsewhere, suppressed by the scheduler).
func (r *Reconciler) RecordSkipped(ctx context.Context, accountID string, trigger models.RunTrigger, reason string) {
	now := time.Now()
	run := &models.ReconciliationRun{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Trigger:     trigger,
		StartedAt:   now,
		FinishedAt:  &now,
		Outcome:     models.RunSkipped,
		ErrorDetail: &reason,
		CreatedAt:   now,
	}
	if err := r.runs.Create(ctx, run); err != nil {
		logger.WithField("account_id", accountID).WithError(err).Warn("Failed to record skipped run")
	}
}

// fetchChanges pulls the change stream, falling back to a bounded window
// fetch when the provider rejects the cursor.
func (r *Reconciler) fetchChanges(ctx context.Context, adapter provider.Adapter, creds provider.Credentials, state *models.SyncState, log *logrus.Entry) ([]provider.Change, string, error) {
	if state.Cursor != nil && *state.Cursor != "" {
		var changes []provider.Change
		var newCursor string
		err := r.withBudget(ctx, func() error {
			return provider.WithRetry(ctx, r.maxRetries, func() error {
				var err error
				changes, newCursor, err = adapter.ListChanges(ctx, creds, *state.Cursor)
				return err
			})
		})
		if err == nil {
			return changes, newCursor, nil
		}
		if !errors.Is(err, provider.ErrCursorExpired) {
			return nil, "", err
		}
		log.Info("Cursor expired, falling back to window fetch")
		state.Cursor = nil
	}

	now := time.Now()
	timeMin := now.Add(-firstSyncLookback)
	if state.LastSyncAt != nil {
		// Cursor loss rather than first sync: a small grace window behind
		// the last pass covers anything the dead cursor would have carried.
		timeMin = state.LastSyncAt.Add(-cursorLossGrace)
	}
	timeMax := now.Add(windowLookahead)

	var changes []provider.Change
	var newCursor string
	err := r.withBudget(ctx, func() error {
		return provider.WithRetry(ctx, r.maxRetries, func() error {
			var err error
			changes, newCursor, err = adapter.ListWindow(ctx, creds, timeMin, timeMax)
			return err
		})
	})
	if err != nil {
		return nil, "", err
	}
	return changes, newCursor, nil
}

// apply reconciles one change into the canonical record set.
func (r *Reconciler) apply(ctx context.Context, account *models.Account, change provider.Change, run *models.ReconciliationRun) error {
	if change.Removed {
		// A deletion with no local record is the expected idempotent
		// no-op path, not an error.
		existing, err := r.records.GetByExternalID(ctx, account.ID, change.ExternalID)
		if err != nil && !errors.Is(err, repository.ErrRecordNotFound) {
			return err
		}
		if existing != nil && existing.IsMeeting {
			if err := r.links.SoftDeleteByRecord(ctx, existing.ID); err != nil {
				return err
			}
		}
		tombstoned, err := r.records.Tombstone(ctx, account.ID, change.ExternalID, change.Kind)
		if err != nil {
			return err
		}
		if tombstoned {
			run.Deleted++
		}
		return nil
	}

	existing, err := r.records.GetByExternalID(ctx, account.ID, change.ExternalID)
	if err != nil && !errors.Is(err, repository.ErrRecordNotFound) {
		return err
	}
	wasMeeting := existing != nil && existing.IsMeeting

	record := buildRecord(account, change)
	created, err := r.records.Upsert(ctx, record)
	if err != nil {
		return err
	}
	if created {
		run.Created++
	} else {
		run.Updated++
	}

	if record.IsMeeting {
		link := &models.MeetingLink{
			AccountID:   account.ID,
			RecordID:    record.ID,
			ExternalID:  record.ExternalID,
			JoinURL:     JoinURL(change),
			ScheduledAt: record.StartsAt,
		}
		return r.links.Upsert(ctx, link)
	}
	if wasMeeting {
		// Conferencing details disappeared on update: drop the stale bot
		// linkage instead of leaving a bot pointed at a dead meeting.
		return r.links.SoftDeleteByRecord(ctx, record.ID)
	}
	return nil
}

func (r *Reconciler) fail(ctx context.Context, run *models.ReconciliationRun, account *models.Account, cause error) (*models.ReconciliationRun, error) {
	if err := r.states.RecordFailure(ctx, account.ID); err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Warn("Failed to record sync failure")
	}

	detail := cause.Error()
	finished := time.Now()
	run.FinishedAt = &finished
	run.Outcome = models.RunFailed
	run.ErrorDetail = &detail
	if err := r.runs.Finish(ctx, run); err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Warn("Failed to finalize run record")
	}
	return run, cause
}

// handleCredentialFailure deactivates the account and surfaces the only
// operator-facing signal; credential errors are never retried.
func (r *Reconciler) handleCredentialFailure(ctx context.Context, account *models.Account, cause error) {
	logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.Provider,
	}).WithError(cause).Error("Credentials rejected, deactivating account")

	if err := r.accounts.Deactivate(ctx, account.ID); err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Warn("Failed to deactivate account")
	}
	if _, err := r.alerts.Raise(ctx, account.ID, models.IssueCredentialInvalid, models.SeverityCritical,
		"provider rejected credentials; re-authentication required"); err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Warn("Failed to raise credential alert")
	}
}

func (r *Reconciler) withBudget(ctx context.Context, fn func() error) error {
	if r.budget != nil {
		if err := r.budget.Acquire(ctx, 1); err != nil {
			return err
		}
		defer r.budget.Release(1)
	}
	return fn()
}

func buildRecord(account *models.Account, change provider.Change) *models.CanonicalRecord {
	record := &models.CanonicalRecord{
		AccountID:     account.ID,
		ExternalID:    change.ExternalID,
		Kind:          change.Kind,
		Title:         change.Title,
		Description:   change.Description,
		Location:      change.Location,
		StartsAt:      change.StartsAt,
		EndsAt:        change.EndsAt,
		AllDay:        change.AllDay,
		AttendeeCount: change.AttendeeCount,
		IsMeeting:     IsMeeting(change),
		Deleted:       false,
	}
	if change.ConferenceURL != "" {
		url := change.ConferenceURL
		record.ConferenceURL = &url
	}
	if change.BotStatus != "" {
		status := change.BotStatus
		record.BotStatus = &status
	}
	if len(change.Raw) > 0 {
		record.Raw = datatypes.JSON(change.Raw)
	}
	return record
}
