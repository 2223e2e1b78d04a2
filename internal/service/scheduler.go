package service

import (
	"context"
	"time"

	"github.com/recaphq/sync-worker/internal/logger"
	"github.com/recaphq/sync-worker/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// Poll-interval tiers in minutes, chosen per observed change volume.
	intervalHigh      = 10
	intervalMedium    = 20
	intervalLowDense  = 30 // quiet account with a historically busy calendar
	intervalLow       = 60
	mediumTierMax     = 5 // 1..5 changes is the medium tier
	upcomingWindow    = 2 * time.Hour
	activitySuppress  = 15 * time.Minute
	denseHistoryDays  = 7
	denseMeetingCount = 10
)

// Scheduler decides when each account's next reconciliation pass is due
// and retunes the poll interval after every pass. The policy itself is a
// pure function of the state counters; the only I/O is one upcoming-meeting
// lookup.
type Scheduler struct {
	records     RecordStore
	minInterval int
	maxInterval int
}

func NewScheduler(records RecordStore, minIntervalMinutes, maxIntervalMinutes int) *Scheduler {
	return &Scheduler{
		records:     records,
		minInterval: minIntervalMinutes,
		maxInterval: maxIntervalMinutes,
	}
}

// NextDue reports whether the account should sync now. A recent user
// interaction suppresses a due poll without resetting the clock, so the
// pass fires on the next tick after the user goes idle. A non-empty
// skip reason marks a pass that was deliberately suppressed rather than
// simply not due; callers record those as skipped runs.
func (s *Scheduler) NextDue(ctx context.Context, account *models.Account, state *models.SyncState, now time.Time) (bool, string) {
	if account.LastActiveAt != nil && now.Sub(*account.LastActiveAt) < activitySuppress {
		return false, "suppressed by recent user activity"
	}

	if state.LastSyncAt == nil {
		return true, ""
	}

	intervalMinutes := s.clamp(state.NextPollIntervalMinutes)

	// A meeting starting soon shortens the effective interval to catch
	// last-minute changes.
	upcoming, err := s.records.HasMeetingStartingWithin(ctx, account.ID, now, upcomingWindow)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"error":      err.Error(),
		}).Warn("upcoming-meeting lookup failed, using tier interval")
	} else if upcoming && intervalMinutes > s.minInterval {
		intervalMinutes = s.minInterval
	}

	return now.Sub(*state.LastSyncAt) >= time.Duration(intervalMinutes)*time.Minute, ""
}

// UpdateAfterRun reclassifies change frequency from the just-completed
// pass and sets the next poll interval. denseHistory marks accounts whose
// calendars are historically busy; their quiet tier polls twice as often.
func (s *Scheduler) UpdateAfterRun(state *models.SyncState, changeCount int, denseHistory bool) {
	state.EventsSinceLastSync = changeCount

	switch {
	case changeCount == 0:
		state.ChangeFrequency = models.FrequencyLow
		if denseHistory {
			state.NextPollIntervalMinutes = intervalLowDense
		} else {
			state.NextPollIntervalMinutes = intervalLow
		}
	case changeCount <= mediumTierMax:
		state.ChangeFrequency = models.FrequencyMedium
		state.NextPollIntervalMinutes = intervalMedium
	default:
		state.ChangeFrequency = models.FrequencyHigh
		state.NextPollIntervalMinutes = intervalHigh
	}

	state.NextPollIntervalMinutes = s.clamp(state.NextPollIntervalMinutes)
}

// DefaultIntervalMinutes is the interval a brand-new sync state starts at.
func (s *Scheduler) DefaultIntervalMinutes() int {
	return s.clamp(intervalMedium)
}

// HasDenseHistory reports whether the account's trailing week carried
// enough meetings to justify the tighter quiet-tier interval.
func (s *Scheduler) HasDenseHistory(ctx context.Context, accountID string, now time.Time) bool {
	count, err := s.records.CountMeetingsBetween(ctx, accountID, now.AddDate(0, 0, -denseHistoryDays), now)
	if err != nil {
		return false
	}
	return count >= denseMeetingCount
}

// clamp keeps the interval inside [minInterval, maxInterval] whatever the
// inputs were.
func (s *Scheduler) clamp(minutes int) int {
	if minutes < s.minInterval {
		return s.minInterval
	}
	if minutes > s.maxInterval {
		return s.maxInterval
	}
	return minutes
}
