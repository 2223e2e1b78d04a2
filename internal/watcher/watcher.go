// Package watcher drives the periodic work: sweeps over due accounts,
// channel renewals and health checks. Every entry point takes the
// per-account lock before mutating anything, so a webhook-triggered sync
// and a sweep can never run the same account concurrently.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recaphq/sync-worker/internal/config"
	"github.com/recaphq/sync-worker/internal/lock"
	"github.com/recaphq/sync-worker/internal/logger"
	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/service"
)

type syncRunner interface {
	Run(ctx context.Context, account *models.Account, trigger models.RunTrigger) (*models.ReconciliationRun, error)
	RecordSkipped(ctx context.Context, accountID string, trigger models.RunTrigger, reason string)
}

type channelKeeper interface {
	EnsureChannel(ctx context.Context, account *models.Account) (*service.ChannelResult, error)
	RenewIfNearExpiry(ctx context.Context, account *models.Account, threshold time.Duration) (*service.RenewalResult, error)
}

type healthChecker interface {
	CheckAndRepair(ctx context.Context, account *models.Account) (*service.HealthRecord, error)
}

type dueDecider interface {
	NextDue(ctx context.Context, account *models.Account, state *models.SyncState, now time.Time) (bool, string)
	DefaultIntervalMinutes() int
}

type Watcher struct {
	cfg         *config.Config
	accounts    service.AccountStore
	states      service.SyncStateStore
	channelRows service.ChannelStore
	reconciler  syncRunner
	channels    channelKeeper
	health      healthChecker
	scheduler   dueDecider
	locker      lock.Locker
}

func New(
	cfg *config.Config,
	accounts service.AccountStore,
	states service.SyncStateStore,
	channelRows service.ChannelStore,
	reconciler syncRunner,
	channels channelKeeper,
	health healthChecker,
	scheduler dueDecider,
	locker lock.Locker,
) *Watcher {
	return &Watcher{
		cfg:         cfg,
		accounts:    accounts,
		states:      states,
		channelRows: channelRows,
		reconciler:  reconciler,
		channels:    channels,
		health:      health,
		scheduler:   scheduler,
		locker:      locker,
	}
}

// Start runs the sweep, renewal and health tickers until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	logger.Log.Info("Starting sync watcher")

	// Make sure every account has a channel before the first sweep.
	w.RenewExpiringChannels(ctx)
	w.RunSweep(ctx)

	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()
	renew := time.NewTicker(w.cfg.RenewalInterval)
	defer renew.Stop()
	health := time.NewTicker(w.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Watcher shutting down")
			return ctx.Err()
		case <-sweep.C:
			w.RunSweep(ctx)
		case <-renew.C:
			w.RenewExpiringChannels(ctx)
		case <-health.C:
			w.RunHealthCheck(ctx)
		}
	}
}

// RunSweep reconciles every due account through a bounded worker pool.
// The sweep budget is a context deadline; accounts not started in time
// wait for the next sweep.
func (w *Watcher) RunSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SweepDeadline)
	defer cancel()

	accounts, err := w.accounts.ListActive(ctx)
	if err != nil {
		logger.Log.WithError(err).Error("Sweep aborted, cannot list accounts")
		return
	}
	if len(accounts) == 0 {
		return
	}

	logger.WithField("accounts", len(accounts)).Debug("Sweep started")

	jobs := make(chan *models.Account)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.WorkerPoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for account := range jobs {
				w.syncIfDue(ctx, account)
			}
		}()
	}

feed:
	for i := range accounts {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- &accounts[i]:
		}
	}
	close(jobs)
	wg.Wait()
}

// RunSingle reconciles one account immediately, typically off a webhook
// delivery. A held lock means a pass is already in flight and this
// delivery's changes will be picked up by it or by the next sweep.
func (w *Watcher) RunSingle(ctx context.Context, accountID string, trigger models.RunTrigger) {
	account, err := w.accounts.GetByID(ctx, accountID)
	if err != nil {
		logger.WithField("account_id", accountID).WithError(err).Warn("Targeted sync for unknown account")
		return
	}
	if !account.Active {
		return
	}

	release, ok, err := w.locker.Acquire(ctx, account.ID)
	if err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Error("Lock acquisition failed")
		return
	}
	if !ok {
		w.reconciler.RecordSkipped(ctx, account.ID, trigger, "sync already in flight")
		return
	}
	defer release()

	if _, err := w.reconciler.Run(ctx, account, trigger); err != nil {
		logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"trigger":    trigger,
		}).WithError(err).Error("Targeted sync failed")
	}
}

// RenewExpiringChannels makes sure every active account has a live push
// channel and renews the ones close to their lease end.
func (w *Watcher) RenewExpiringChannels(ctx context.Context) {
	accounts, err := w.accounts.ListActive(ctx)
	if err != nil {
		logger.Log.WithError(err).Error("Renewal pass aborted, cannot list accounts")
		return
	}

	// One query decides which accounts actually need a renewal attempt;
	// the rest only get the cheap has-a-channel check.
	nearExpiry := make(map[string]bool)
	expiring, err := w.channelRows.ListExpiringBefore(ctx, time.Now().Add(w.cfg.RenewalThreshold))
	if err != nil {
		logger.Log.WithError(err).Error("Renewal pass aborted, cannot list expiring channels")
		return
	}
	for _, channel := range expiring {
		nearExpiry[channel.AccountID] = true
	}

	for i := range accounts {
		account := &accounts[i]

		release, ok, err := w.locker.Acquire(ctx, account.ID)
		if err != nil {
			logger.WithField("account_id", account.ID).WithError(err).Error("Lock acquisition failed")
			continue
		}
		if !ok {
			continue
		}

		result, err := w.channels.EnsureChannel(ctx, account)
		if err != nil {
			logger.WithField("account_id", account.ID).WithError(err).Warn("Channel setup failed")
			release()
			continue
		}
		if !result.Created && nearExpiry[account.ID] {
			if _, err := w.channels.RenewIfNearExpiry(ctx, account, w.cfg.RenewalThreshold); err != nil {
				logger.WithField("account_id", account.ID).WithError(err).Warn("Channel renewal failed")
			}
		}
		release()
	}
}

// RunHealthCheck scores every active account and lets the monitor repair
// what it can.
func (w *Watcher) RunHealthCheck(ctx context.Context) {
	accounts, err := w.accounts.ListActive(ctx)
	if err != nil {
		logger.Log.WithError(err).Error("Health pass aborted, cannot list accounts")
		return
	}

	for i := range accounts {
		account := &accounts[i]

		release, ok, err := w.locker.Acquire(ctx, account.ID)
		if err != nil {
			logger.WithField("account_id", account.ID).WithError(err).Error("Lock acquisition failed")
			continue
		}
		if !ok {
			continue
		}

		record, err := w.health.CheckAndRepair(ctx, account)
		release()
		if err != nil {
			logger.WithField("account_id", account.ID).WithError(err).Error("Health check failed")
			continue
		}
		if !record.Healthy {
			logger.WithFields(logrus.Fields{
				"account_id": account.ID,
				"score":      record.Score,
				"findings":   len(record.Findings),
			}).Warn("Account unhealthy")
		}
	}
}

// syncIfDue runs one sweep slot: consult the scheduler, take the lock,
// reconcile. A contended lock or a scheduler suppression produces a
// skipped audit row rather than a queued retry; a pass that is simply
// not due yet leaves no trace.
func (w *Watcher) syncIfDue(ctx context.Context, account *models.Account) {
	state, err := w.states.GetOrCreate(ctx, account.ID, w.scheduler.DefaultIntervalMinutes())
	if err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Error("Cannot load sync state")
		return
	}

	due, skipReason := w.scheduler.NextDue(ctx, account, state, time.Now())
	if !due {
		if skipReason != "" {
			w.reconciler.RecordSkipped(ctx, account.ID, models.TriggerSweep, skipReason)
		}
		return
	}

	release, ok, err := w.locker.Acquire(ctx, account.ID)
	if err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Error("Lock acquisition failed")
		return
	}
	if !ok {
		w.reconciler.RecordSkipped(ctx, account.ID, models.TriggerSweep, "sync already in flight")
		return
	}
	defer release()

	if _, err := w.reconciler.Run(ctx, account, models.TriggerSweep); err != nil {
		logger.WithField("account_id", account.ID).WithError(err).Error("Sweep sync failed")
	}
}
