package service

import (
	"context"
	"math"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/provider"
)

type healthFixture struct {
	monitor  *HealthMonitor
	accounts *fakeAccountStore
	states   *fakeStateStore
	channels *fakeChannelStore
	records  *fakeRecordStore
	runs     *fakeRunStore
	alerts   *fakeAlertStore
	adapter  *fakeAdapter
	account  *models.Account
}

func newHealthFixture(t *testing.T, channels ...*models.WebhookChannel) *healthFixture {
	t.Helper()

	token := "tok"
	account := &models.Account{
		ID:          "acct-1",
		Provider:    models.ProviderCalendar,
		AccessToken: &token,
		Active:      true,
	}

	f := &healthFixture{
		accounts: newFakeAccountStore(account),
		states:   newFakeStateStore(),
		channels: newFakeChannelStore(channels...),
		records:  newFakeRecordStore(),
		runs:     &fakeRunStore{},
		alerts:   &fakeAlertStore{},
		adapter:  &fakeAdapter{},
		account:  account,
	}
	manager := NewChannelManager(
		f.channels, f.alerts,
		map[models.ProviderKind]provider.Adapter{models.ProviderCalendar: f.adapter},
		staticCreds{token: "tok"},
		"https://worker.example.com",
		semaphore.NewWeighted(4),
		1,
	)
	f.monitor = NewHealthMonitor(
		f.accounts, f.states, f.channels, f.runs, f.records, f.alerts,
		manager, time.Hour,
	)
	return f
}

func (f *healthFixture) syncedAgo(d time.Duration) {
	state, _ := f.states.GetOrCreate(context.Background(), "acct-1", 20)
	ts := time.Now().Add(-d)
	state.LastSyncAt = &ts
}

func scoreNear(got, want float64) bool {
	return math.Abs(got-want) < 0.001
}

func TestEvaluateHealthyAccount(t *testing.T) {
	f := newHealthFixture(t, activeChannel(6*24*time.Hour))
	f.syncedAgo(5 * time.Minute)

	record, err := f.monitor.Evaluate(context.Background(), f.account, time.Now())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !scoreNear(record.Score, 1.0) {
		t.Errorf("Score = %.2f, want 1.0", record.Score)
	}
	if !record.Healthy {
		t.Error("Healthy = false for a clean account")
	}
	if len(record.Findings) != 0 {
		t.Errorf("Findings = %v, want none", record.Findings)
	}
}

func TestEvaluatePenalties(t *testing.T) {
	tests := []struct {
		name      string
		channel   *models.WebhookChannel
		syncedAgo time.Duration
		errorRate float64
		runTotal  int64
		wantScore float64
		wantIssue models.HealthIssue
	}{
		{
			name:      "inactive channel",
			syncedAgo: 5 * time.Minute,
			wantScore: 0.7,
			wantIssue: models.IssueWebhookInactive,
		},
		{
			name:      "moderate sync delay",
			channel:   activeChannel(6 * 24 * time.Hour),
			syncedAgo: 45 * time.Minute,
			wantScore: 0.9,
		},
		{
			name:      "long sync delay",
			channel:   activeChannel(6 * 24 * time.Hour),
			syncedAgo: 2 * time.Hour,
			wantScore: 0.8,
			wantIssue: models.IssueSyncDelayed,
		},
		{
			name:      "high error rate",
			channel:   activeChannel(6 * 24 * time.Hour),
			syncedAgo: 5 * time.Minute,
			errorRate: 0.25,
			runTotal:  20,
			wantScore: 0.75,
			wantIssue: models.IssueHighErrorRate,
		},
		{
			name:      "error rate penalty is capped",
			channel:   activeChannel(6 * 24 * time.Hour),
			syncedAgo: 5 * time.Minute,
			errorRate: 0.9,
			runTotal:  20,
			wantScore: 0.6,
			wantIssue: models.IssueHighErrorRate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f *healthFixture
			if tt.channel != nil {
				f = newHealthFixture(t, tt.channel)
			} else {
				f = newHealthFixture(t)
			}
			f.syncedAgo(tt.syncedAgo)
			f.runs.errorRate = tt.errorRate
			f.runs.runTotal = tt.runTotal

			record, err := f.monitor.Evaluate(context.Background(), f.account, time.Now())
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if !scoreNear(record.Score, tt.wantScore) {
				t.Errorf("Score = %.2f, want %.2f", record.Score, tt.wantScore)
			}
			if tt.wantIssue != "" {
				found := false
				for _, finding := range record.Findings {
					if finding.Issue == tt.wantIssue {
						found = true
					}
				}
				if !found {
					t.Errorf("Findings = %v, want %s", record.Findings, tt.wantIssue)
				}
			}
		})
	}
}

func TestEvaluateConsecutiveFailuresIsCritical(t *testing.T) {
	f := newHealthFixture(t, activeChannel(6*24*time.Hour))
	f.syncedAgo(5 * time.Minute)
	f.states.states["acct-1"].ConsecutiveFailures = 3

	record, err := f.monitor.Evaluate(context.Background(), f.account, time.Now())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if record.Healthy {
		t.Error("Healthy = true despite a critical failure streak")
	}
	if !record.hasCritical() {
		t.Errorf("Findings = %v, want a critical consecutive_failures finding", record.Findings)
	}
}

func TestEvaluateScoreMonotonicity(t *testing.T) {
	// Piling on issues must only push the score down; clearing them all
	// restores 1.0.
	f := newHealthFixture(t, activeChannel(6*24*time.Hour))
	f.syncedAgo(5 * time.Minute)

	clean, err := f.monitor.Evaluate(context.Background(), f.account, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	f.syncedAgo(2 * time.Hour)
	delayed, err := f.monitor.Evaluate(context.Background(), f.account, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if delayed.Score >= clean.Score {
		t.Errorf("delayed score %.2f not below clean score %.2f", delayed.Score, clean.Score)
	}

	f.runs.errorRate = 0.3
	f.runs.runTotal = 10
	degraded, err := f.monitor.Evaluate(context.Background(), f.account, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if degraded.Score >= delayed.Score {
		t.Errorf("degraded score %.2f not below delayed score %.2f", degraded.Score, delayed.Score)
	}

	f.syncedAgo(time.Minute)
	f.runs.errorRate = 0
	f.runs.runTotal = 10
	recovered, err := f.monitor.Evaluate(context.Background(), f.account, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !scoreNear(recovered.Score, 1.0) {
		t.Errorf("recovered score = %.2f, want 1.0", recovered.Score)
	}
}

func TestEvaluateGapHeuristic(t *testing.T) {
	f := newHealthFixture(t, activeChannel(6*24*time.Hour))
	f.syncedAgo(5 * time.Minute)

	// Busy trailing month, silent last three days.
	now := time.Now()
	f.records.meetingCount = func(_, to time.Time) int64 {
		if now.Sub(to) > time.Hour {
			return 20
		}
		return 0
	}

	record, err := f.monitor.Evaluate(context.Background(), f.account, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	var gap *HealthFinding
	for i := range record.Findings {
		if record.Findings[i].Issue == models.IssueMissingMeetings {
			gap = &record.Findings[i]
		}
	}
	if gap == nil {
		t.Fatalf("Findings = %v, want missing_meetings", record.Findings)
	}
	if gap.Severity != models.SeverityMedium {
		t.Errorf("gap severity = %s, want medium", gap.Severity)
	}

	// Best-effort signal only: it carries no score penalty and must not
	// flip the account to unhealthy on its own.
	if !scoreNear(record.Score, 1.0) {
		t.Errorf("Score = %.2f, want 1.0", record.Score)
	}
	if !record.Healthy {
		t.Error("Healthy = false on the gap heuristic alone")
	}
}

func TestCheckAndRepairRecreatesChannel(t *testing.T) {
	f := newHealthFixture(t)
	f.syncedAgo(5 * time.Minute)
	f.runs.errorRate = 0.5
	f.runs.runTotal = 10

	record, err := f.monitor.CheckAndRepair(context.Background(), f.account)
	if err != nil {
		t.Fatalf("CheckAndRepair() error = %v", err)
	}

	if record.Score >= unhealthyScore {
		t.Fatalf("Score = %.2f, expected an unhealthy fixture", record.Score)
	}
	if f.adapter.createCalls != 1 {
		t.Errorf("CreateSubscription calls = %d, want 1 from auto-fix", f.adapter.createCalls)
	}
	if f.alerts.activeFor("acct-1", models.IssueWebhookInactive) == nil {
		t.Error("expected an active webhook_inactive alert")
	}
	if f.alerts.activeFor("acct-1", models.IssueHighErrorRate) == nil {
		t.Error("expected an active high_error_rate alert")
	}

	// Next pass is clean: the monitor's own alerts auto-resolve.
	f.runs.errorRate = 0
	f.syncedAgo(time.Minute)
	if _, err := f.monitor.CheckAndRepair(context.Background(), f.account); err != nil {
		t.Fatalf("second CheckAndRepair() error = %v", err)
	}
	if f.alerts.activeFor("acct-1", models.IssueWebhookInactive) != nil {
		t.Error("webhook_inactive alert not auto-resolved after recovery")
	}
	if f.alerts.activeFor("acct-1", models.IssueHighErrorRate) != nil {
		t.Error("high_error_rate alert not auto-resolved after recovery")
	}
}

func TestCheckAndRepairRenewsNearExpiry(t *testing.T) {
	f := newHealthFixture(t, activeChannel(30*time.Minute))
	f.syncedAgo(5 * time.Minute)

	if _, err := f.monitor.CheckAndRepair(context.Background(), f.account); err != nil {
		t.Fatalf("CheckAndRepair() error = %v", err)
	}

	live, err := f.channels.GetLiveByAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if live.RenewalCount != 1 {
		t.Errorf("RenewalCount = %d, want 1 after warning-tier renewal", live.RenewalCount)
	}
}

func TestCheckAndRepairProbesSilentChannel(t *testing.T) {
	silent := activeChannel(6 * 24 * time.Hour)
	silent.CreatedAt = time.Now().Add(-72 * time.Hour)
	received := time.Now().Add(-72 * time.Hour)
	silent.LastReceivedAt = &received

	f := newHealthFixture(t, silent)
	f.syncedAgo(5 * time.Minute)

	record, err := f.monitor.CheckAndRepair(context.Background(), f.account)
	if err != nil {
		t.Fatalf("CheckAndRepair() error = %v", err)
	}

	if f.adapter.stopCalls != 1 || f.adapter.createCalls != 1 {
		t.Errorf("stop=%d create=%d, want the silent channel stopped and recreated",
			f.adapter.stopCalls, f.adapter.createCalls)
	}
	live, err := f.channels.GetLiveByAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if live.ID == "row-1" {
		t.Error("silent channel was not replaced")
	}
	if live.RenewalCount != 1 {
		t.Errorf("RenewalCount = %d, want 1 on the probe replacement", live.RenewalCount)
	}
	if !record.Healthy {
		t.Errorf("Healthy = false (score %.2f), want healthy after the probe recreated the channel", record.Score)
	}
	if f.alerts.activeFor("acct-1", models.IssueWebhookInactive) != nil {
		t.Error("webhook_inactive alert raised despite a live replacement channel")
	}
}

func TestCheckAndRepairExpiresLapsedChannel(t *testing.T) {
	f := newHealthFixture(t, activeChannel(-time.Minute))
	f.syncedAgo(5 * time.Minute)

	record, err := f.monitor.CheckAndRepair(context.Background(), f.account)
	if err != nil {
		t.Fatalf("CheckAndRepair() error = %v", err)
	}

	if got := f.channels.channels["row-1"].Status; got != models.ChannelExpired {
		t.Errorf("lapsed channel status = %s, want expired", got)
	}
	if !scoreNear(record.Score, 0.7) {
		t.Errorf("Score = %.2f, want 0.70 with the lapsed lease scored as inactive", record.Score)
	}
	if f.alerts.activeFor("acct-1", models.IssueWebhookInactive) == nil {
		t.Error("expected an active webhook_inactive alert for the lapsed lease")
	}
}

func TestEvaluateReadsStateWithoutWriting(t *testing.T) {
	f := newHealthFixture(t, activeChannel(6*24*time.Hour))

	record, err := f.monitor.Evaluate(context.Background(), f.account, time.Now())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !scoreNear(record.Score, 1.0) {
		t.Errorf("Score = %.2f, want 1.0 for a never-synced account with a live channel", record.Score)
	}
	if len(f.states.states) != 0 {
		t.Errorf("sync state rows = %d, evaluation must not create state", len(f.states.states))
	}
}

func TestResolveAlert(t *testing.T) {
	f := newHealthFixture(t)
	alert, err := f.alerts.Raise(context.Background(), "acct-1", models.IssueCredentialInvalid, models.SeverityCritical, "re-auth required")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.monitor.Resolve(context.Background(), alert.ID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if f.alerts.activeFor("acct-1", models.IssueCredentialInvalid) != nil {
		t.Error("alert still active after Resolve")
	}
}
