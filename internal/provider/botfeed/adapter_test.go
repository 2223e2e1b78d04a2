package botfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/recaphq/sync-worker/internal/provider"
)

func TestListChanges_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bots/changes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("cursor"); got != "cur-1" {
			t.Errorf("expected cursor cur-1, got %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("expected account token auth, got %s", got)
		}
		json.NewEncoder(w).Encode(changesResponse{
			Changes: []botChange{
				{ID: "bot-1", Status: "joined", MeetingName: "Standup"},
				{ID: "bot-2", Status: "done", Deleted: true},
			},
			NextCursor: "cur-2",
		})
	}))
	defer server.Close()

	adapter := NewAdapter(server.URL, "service-key")

	changes, cursor, err := adapter.ListChanges(context.Background(), provider.Credentials{AccessToken: "user-token"}, "cur-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cursor != "cur-2" {
		t.Errorf("expected next cursor cur-2, got %s", cursor)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].BotStatus != "joined" {
		t.Errorf("expected bot status joined, got %s", changes[0].BotStatus)
	}
	if !changes[1].Removed {
		t.Error("deleted bot should be marked removed")
	}
}

func TestListChanges_CursorExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	adapter := NewAdapter(server.URL, "service-key")

	_, _, err := adapter.ListChanges(context.Background(), provider.Credentials{}, "stale")
	if !errors.Is(err, provider.ErrCursorExpired) {
		t.Errorf("expected cursor expired, got %v", err)
	}
}

func TestCreateSubscription_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	adapter := NewAdapter(server.URL, "service-key")

	_, err := adapter.CreateSubscription(context.Background(), provider.Credentials{}, "acc-1", "https://example.com/hook")
	if !errors.Is(err, provider.ErrSubscriptionRejected) {
		t.Errorf("expected subscription rejected, got %v", err)
	}
}

func TestCreateSubscription_Success(t *testing.T) {
	expires := time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/webhooks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["url"] != "https://example.com/hook" {
			t.Errorf("unexpected callback url %s", req["url"])
		}
		json.NewEncoder(w).Encode(webhookResponse{
			ID:         "wh-1",
			ResourceID: "res-1",
			ExpiresAt:  expires,
		})
	}))
	defer server.Close()

	adapter := NewAdapter(server.URL, "service-key")

	sub, err := adapter.CreateSubscription(context.Background(), provider.Credentials{}, "acc-1", "https://example.com/hook")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sub.ChannelID != "wh-1" || sub.ResourceID != "res-1" {
		t.Errorf("unexpected subscription %+v", sub)
	}
	if !sub.ExpiresAt.Equal(expires) {
		t.Errorf("expected expiry %s, got %s", expires, sub.ExpiresAt)
	}
}

func TestStopSubscription_AlreadyGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	adapter := NewAdapter(server.URL, "service-key")

	if err := adapter.StopSubscription(context.Background(), provider.Credentials{}, "wh-gone", "res-1"); err != nil {
		t.Errorf("stopping a deleted webhook should be a no-op, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected error
	}{
		{"unauthorized", http.StatusUnauthorized, provider.ErrCredentialInvalid},
		{"forbidden", http.StatusForbidden, provider.ErrCredentialInvalid},
		{"not found", http.StatusNotFound, provider.ErrNotFound},
		{"gone", http.StatusGone, provider.ErrCursorExpired},
		{"too many requests", http.StatusTooManyRequests, provider.ErrRateLimited},
		{"server error", http.StatusInternalServerError, provider.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus(tt.status, nil)
			if !errors.Is(err, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, err)
			}
		})
	}

	if err := classifyStatus(http.StatusOK, nil); err != nil {
		t.Errorf("2xx should not be an error, got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bots/bot-9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(botChange{ID: "bot-9", Status: "recording", MeetingName: "Design review"})
	}))
	defer server.Close()

	adapter := NewAdapter(server.URL, "service-key")

	change, err := adapter.GetStatus(context.Background(), provider.Credentials{}, "bot-9")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if change.ExternalID != "bot-9" {
		t.Errorf("expected external id bot-9, got %s", change.ExternalID)
	}
	if change.BotStatus != "recording" {
		t.Errorf("expected status recording, got %s", change.BotStatus)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	adapter := NewAdapter(server.URL, "service-key")

	if _, err := adapter.GetStatus(context.Background(), provider.Credentials{}, "missing"); !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
