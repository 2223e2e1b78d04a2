// Package botfeed adapts the meeting-bot vendor's REST API to the engine's
// provider capability set. The vendor ships no Go SDK, so this is a plain
// JSON client.
package botfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/provider"
)

type Adapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewAdapter(baseURL, apiKey string) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// botChange is the vendor's wire shape for one bot status change.
type botChange struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	MeetingName string     `json:"meeting_name"`
	JoinURL     string     `json:"join_url"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	EndedAt     *time.Time `json:"ended_at"`
	Deleted     bool       `json:"deleted"`
}

type changesResponse struct {
	Changes    []botChange `json:"changes"`
	NextCursor string      `json:"next_cursor"`
}

type webhookResponse struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ListChanges fetches bot status changes since the cursor.
func (a *Adapter) ListChanges(ctx context.Context, creds provider.Credentials, cursor string) ([]provider.Change, string, error) {
	q := url.Values{}
	q.Set("cursor", cursor)

	body, err := a.get(ctx, creds, "/bots/changes?"+q.Encode())
	if err != nil {
		return nil, "", err
	}

	var resp changesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("failed to parse changes response: %w", err)
	}

	return convertChanges(resp.Changes), resp.NextCursor, nil
}

// ListWindow fetches all bots updated inside the window plus a fresh cursor.
func (a *Adapter) ListWindow(ctx context.Context, creds provider.Credentials, timeMin, timeMax time.Time) ([]provider.Change, string, error) {
	q := url.Values{}
	q.Set("updated_after", timeMin.Format(time.RFC3339))
	q.Set("updated_before", timeMax.Format(time.RFC3339))

	body, err := a.get(ctx, creds, "/bots/changes?"+q.Encode())
	if err != nil {
		return nil, "", err
	}

	var resp changesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("failed to parse window response: %w", err)
	}

	return convertChanges(resp.Changes), resp.NextCursor, nil
}

// CreateSubscription registers a webhook with the vendor.
func (a *Adapter) CreateSubscription(ctx context.Context, creds provider.Credentials, accountID, callbackURL string) (*provider.Subscription, error) {
	payload, err := json.Marshal(map[string]string{
		"url":         callbackURL,
		"external_id": accountID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/webhooks", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	a.auth(req, creds)
	req.Header.Set("Content-Type", "application/json")

	body, status, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnprocessableEntity || status == http.StatusBadRequest {
		return nil, fmt.Errorf("webhook registration (status %d): %s: %w", status, string(body), provider.ErrSubscriptionRejected)
	}
	if err := classifyStatus(status, body); err != nil {
		return nil, err
	}

	var resp webhookResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse webhook response: %w", err)
	}

	return &provider.Subscription{
		ChannelID:  resp.ID,
		ResourceID: resp.ResourceID,
		ExpiresAt:  resp.ExpiresAt,
	}, nil
}

// StopSubscription removes the vendor webhook. An already-deleted webhook
// counts as stopped.
func (a *Adapter) StopSubscription(ctx context.Context, creds provider.Credentials, channelID, resourceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/webhooks/"+channelID, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	a.auth(req, creds)

	body, status, err := a.do(req)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	return classifyStatus(status, body)
}

// GetStatus fetches a single bot by id.
func (a *Adapter) GetStatus(ctx context.Context, creds provider.Credentials, externalID string) (*provider.Change, error) {
	body, err := a.get(ctx, creds, "/bots/"+externalID)
	if err != nil {
		return nil, err
	}

	var bot botChange
	if err := json.Unmarshal(body, &bot); err != nil {
		return nil, fmt.Errorf("failed to parse bot response: %w", err)
	}

	change := convert(bot)
	return &change, nil
}

func (a *Adapter) get(ctx context.Context, creds provider.Credentials, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	a.auth(req, creds)

	body, status, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(status, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (a *Adapter) do(req *http.Request) ([]byte, int, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("bot api request failed: %v: %w", err, provider.ErrUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// auth prefers the account-scoped token, falling back to the service key.
func (a *Adapter) auth(req *http.Request, creds provider.Credentials) {
	token := creds.AccessToken
	if token == "" {
		token = a.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func convertChanges(bots []botChange) []provider.Change {
	changes := make([]provider.Change, 0, len(bots))
	for _, bot := range bots {
		changes = append(changes, convert(bot))
	}
	return changes
}

func convert(bot botChange) provider.Change {
	status := bot.Status
	change := provider.Change{
		ExternalID: bot.ID,
		Kind:       models.RecordBotStatus,
		Removed:    bot.Deleted,
		Title:      bot.MeetingName,
		BotStatus:  status,
		StartsAt:   bot.ScheduledAt,
		EndsAt:     bot.EndedAt,
	}
	if bot.JoinURL != "" {
		change.ConferenceURL = bot.JoinURL
	}
	if raw, err := json.Marshal(bot); err == nil {
		change.Raw = raw
	}
	return change
}

// classifyStatus maps vendor HTTP statuses onto the error taxonomy.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("bot api (status %d): %s: %w", status, string(body), provider.ErrCredentialInvalid)
	case status == http.StatusNotFound:
		return fmt.Errorf("bot api (status %d): %w", status, provider.ErrNotFound)
	case status == http.StatusGone:
		return fmt.Errorf("bot api (status %d): %w", status, provider.ErrCursorExpired)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("bot api (status %d): %w", status, provider.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("bot api (status %d): %s: %w", status, string(body), provider.ErrUnavailable)
	default:
		return fmt.Errorf("bot api (status %d): %s: %w", status, string(body), provider.ErrUnavailable)
	}
}
