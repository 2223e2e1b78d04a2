package service

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/provider"
)

type channelFixture struct {
	manager  *ChannelManager
	channels *fakeChannelStore
	alerts   *fakeAlertStore
	adapter  *fakeAdapter
	account  *models.Account
}

func newChannelFixture(t *testing.T, channels ...*models.WebhookChannel) *channelFixture {
	t.Helper()

	token := "tok"
	f := &channelFixture{
		channels: newFakeChannelStore(channels...),
		alerts:   &fakeAlertStore{},
		adapter:  &fakeAdapter{},
		account: &models.Account{
			ID:          "acct-1",
			Provider:    models.ProviderCalendar,
			AccessToken: &token,
			Active:      true,
		},
	}
	f.manager = NewChannelManager(
		f.channels, f.alerts,
		map[models.ProviderKind]provider.Adapter{models.ProviderCalendar: f.adapter},
		staticCreds{token: "tok"},
		"https://worker.example.com",
		semaphore.NewWeighted(4),
		1,
	)
	return f
}

func activeChannel(expiresIn time.Duration) *models.WebhookChannel {
	now := time.Now()
	return &models.WebhookChannel{
		ID:         "row-1",
		AccountID:  "acct-1",
		ChannelID:  "chan-old",
		ResourceID: "res-old",
		Status:     models.ChannelActive,
		ExpiresAt:  now.Add(expiresIn),
		CreatedAt:  now.Add(-time.Hour),
		UpdatedAt:  now.Add(-time.Hour),
	}
}

func TestEnsureChannelCreates(t *testing.T) {
	f := newChannelFixture(t)

	result, err := f.manager.EnsureChannel(context.Background(), f.account)
	if err != nil {
		t.Fatalf("EnsureChannel() error = %v", err)
	}

	if !result.Created {
		t.Error("Created = false, want true")
	}
	if result.Channel.Status != models.ChannelActive {
		t.Errorf("Status = %s, want active after provider ack", result.Channel.Status)
	}
	if result.Channel.ChannelID != "chan-acct-1" {
		t.Errorf("ChannelID = %s, want chan-acct-1", result.Channel.ChannelID)
	}
	if f.adapter.createCalls != 1 {
		t.Errorf("CreateSubscription calls = %d, want 1", f.adapter.createCalls)
	}
}

func TestEnsureChannelReturnsExisting(t *testing.T) {
	f := newChannelFixture(t, activeChannel(6*24*time.Hour))

	result, err := f.manager.EnsureChannel(context.Background(), f.account)
	if err != nil {
		t.Fatalf("EnsureChannel() error = %v", err)
	}

	if result.Created {
		t.Error("Created = true for an account with a live channel")
	}
	if result.Channel.ChannelID != "chan-old" {
		t.Errorf("ChannelID = %s, want the existing chan-old", result.Channel.ChannelID)
	}
	if f.adapter.createCalls != 0 {
		t.Errorf("CreateSubscription calls = %d, want 0", f.adapter.createCalls)
	}
}

func TestEnsureChannelRecreatesStalePending(t *testing.T) {
	stale := &models.WebhookChannel{
		ID:        "row-stale",
		AccountID: "acct-1",
		Status:    models.ChannelPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	f := newChannelFixture(t, stale)

	result, err := f.manager.EnsureChannel(context.Background(), f.account)
	if err != nil {
		t.Fatalf("EnsureChannel() error = %v", err)
	}

	if !result.Created {
		t.Error("Created = false, want a fresh channel for a stale pending row")
	}
	if stale.Status != models.ChannelFailed {
		t.Errorf("stale row status = %s, want failed", stale.Status)
	}
	if result.Channel.ID == "row-stale" {
		t.Error("stale pending row was reused instead of replaced")
	}
}

func TestEnsureChannelCredentialRejection(t *testing.T) {
	f := newChannelFixture(t)
	f.adapter.createSubscription = func(_, _ string) (*provider.Subscription, error) {
		return nil, provider.ErrCredentialInvalid
	}

	if _, err := f.manager.EnsureChannel(context.Background(), f.account); err == nil {
		t.Fatal("EnsureChannel() error = nil, want credential error")
	}

	live, _ := f.channels.GetLiveByAccount(context.Background(), "acct-1")
	if live != nil {
		t.Errorf("live channel %s left behind after rejected create", live.ID)
	}
	if f.alerts.activeFor("acct-1", models.IssueCredentialInvalid) == nil {
		t.Error("expected an active credential_invalid alert")
	}
}

func TestRenewIfNearExpiry(t *testing.T) {
	old := activeChannel(30 * time.Minute)
	f := newChannelFixture(t, old)

	result, err := f.manager.RenewIfNearExpiry(context.Background(), f.account, time.Hour)
	if err != nil {
		t.Fatalf("RenewIfNearExpiry() error = %v", err)
	}

	if !result.Renewed {
		t.Fatalf("Renewed = false (skipped: %q), want renewal", result.Skipped)
	}
	if old.Status != models.ChannelExpired {
		t.Errorf("old row status = %s, want expired", old.Status)
	}
	if result.Channel.Status != models.ChannelActive {
		t.Errorf("replacement status = %s, want active", result.Channel.Status)
	}
	if result.Channel.RenewalCount != 1 {
		t.Errorf("RenewalCount = %d, want 1", result.Channel.RenewalCount)
	}
	if f.adapter.stopCalls != 1 {
		t.Errorf("StopSubscription calls = %d, want 1", f.adapter.stopCalls)
	}

	live, err := f.channels.GetLiveByAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if live.ID != result.Channel.ID {
		t.Error("replacement is not the account's live channel")
	}
}

func TestRenewSkipsWhenNotNearExpiry(t *testing.T) {
	f := newChannelFixture(t, activeChannel(6*24*time.Hour))

	result, err := f.manager.RenewIfNearExpiry(context.Background(), f.account, time.Hour)
	if err != nil {
		t.Fatalf("RenewIfNearExpiry() error = %v", err)
	}
	if result.Renewed || result.Skipped == "" {
		t.Errorf("expected skip, got Renewed=%v Skipped=%q", result.Renewed, result.Skipped)
	}
	if f.adapter.createCalls != 0 {
		t.Errorf("CreateSubscription calls = %d, want 0", f.adapter.createCalls)
	}
}

func TestRenewFailureEscalatesAfterThreshold(t *testing.T) {
	old := activeChannel(30 * time.Minute)
	f := newChannelFixture(t, old)
	f.adapter.createSubscription = func(_, _ string) (*provider.Subscription, error) {
		return nil, provider.ErrUnavailable
	}

	for attempt := 1; attempt <= maxRenewalFailures; attempt++ {
		if _, err := f.manager.RenewIfNearExpiry(context.Background(), f.account, time.Hour); err == nil {
			t.Fatalf("attempt %d: expected renewal error", attempt)
		}
	}

	if old.RenewalFailures != maxRenewalFailures {
		t.Errorf("RenewalFailures = %d, want %d", old.RenewalFailures, maxRenewalFailures)
	}
	if old.Status != models.ChannelExpired {
		t.Errorf("status = %s, want expired after exhausted renewals", old.Status)
	}

	alert := f.alerts.activeFor("acct-1", models.IssueConsecutiveFailures)
	if alert == nil {
		t.Fatal("expected an active consecutive_failures alert")
	}
	if alert.Severity != models.SeverityCritical {
		t.Errorf("alert severity = %s, want critical", alert.Severity)
	}
}

func TestStopChannel(t *testing.T) {
	old := activeChannel(6 * 24 * time.Hour)
	f := newChannelFixture(t, old)

	if err := f.manager.StopChannel(context.Background(), f.account); err != nil {
		t.Fatalf("StopChannel() error = %v", err)
	}
	if old.Status != models.ChannelExpired {
		t.Errorf("status = %s, want expired", old.Status)
	}
	if f.adapter.stopCalls != 1 {
		t.Errorf("StopSubscription calls = %d, want 1", f.adapter.stopCalls)
	}

	// No live channel left: a second stop is a no-op.
	if err := f.manager.StopChannel(context.Background(), f.account); err != nil {
		t.Fatalf("second StopChannel() error = %v", err)
	}
	if f.adapter.stopCalls != 1 {
		t.Errorf("StopSubscription calls = %d after no-op stop, want 1", f.adapter.stopCalls)
	}
}

func TestVerifyChannel(t *testing.T) {
	t.Run("no channel", func(t *testing.T) {
		f := newChannelFixture(t)
		ok, err := f.manager.VerifyChannel(context.Background(), f.account)
		if err != nil || ok {
			t.Errorf("VerifyChannel() = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("recently delivering channel", func(t *testing.T) {
		channel := activeChannel(6 * 24 * time.Hour)
		received := time.Now().Add(-time.Hour)
		channel.LastReceivedAt = &received
		f := newChannelFixture(t, channel)

		ok, err := f.manager.VerifyChannel(context.Background(), f.account)
		if err != nil || !ok {
			t.Errorf("VerifyChannel() = %v, %v; want true, nil", ok, err)
		}
		if f.adapter.createCalls != 0 {
			t.Error("cheap verification should not touch the provider")
		}
	})

	t.Run("lapsed channel", func(t *testing.T) {
		channel := activeChannel(-time.Minute)
		f := newChannelFixture(t, channel)

		ok, err := f.manager.VerifyChannel(context.Background(), f.account)
		if err != nil || ok {
			t.Errorf("VerifyChannel() = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("silent channel gets recreated", func(t *testing.T) {
		channel := activeChannel(6 * 24 * time.Hour)
		received := time.Now().Add(-3 * 24 * time.Hour)
		channel.LastReceivedAt = &received
		f := newChannelFixture(t, channel)

		ok, err := f.manager.VerifyChannel(context.Background(), f.account)
		if err != nil {
			t.Fatalf("VerifyChannel() error = %v", err)
		}
		if !ok {
			t.Error("VerifyChannel() = false, want true after successful recreate")
		}
		if f.adapter.createCalls != 1 {
			t.Errorf("CreateSubscription calls = %d, want 1 for the probe", f.adapter.createCalls)
		}
	})
}
