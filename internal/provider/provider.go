// Package provider defines the capability set every external feed adapter
// implements, plus the classified error taxonomy the engine's retry and
// escalation policy is driven by.
package provider

import (
	"context"
	"time"

	"github.com/recaphq/sync-worker/internal/models"
)

// Change is one item from a provider's change stream or window fetch.
type Change struct {
	ExternalID    string
	Kind          models.RecordKind
	Removed       bool
	Title         string
	Description   string
	Location      string
	StartsAt      *time.Time
	EndsAt        *time.Time
	AllDay        bool
	AttendeeCount int
	ConferenceURL string
	BotStatus     string
	Raw           []byte
}

// Subscription is the provider's acknowledgement of a push channel.
type Subscription struct {
	ChannelID  string
	ResourceID string
	ExpiresAt  time.Time
}

// Credentials carries the access token an adapter call runs under.
// Token refresh happens before the adapter is invoked, never inside it.
type Credentials struct {
	AccessToken string
}

// Adapter is the capability set over one external feed. Both the calendar
// and the meeting-bot adapters implement it; the engine is generic over it.
type Adapter interface {
	// ListChanges returns changes since cursor plus the next cursor.
	// Returns an error wrapping ErrCursorExpired when the provider no
	// longer accepts the cursor.
	ListChanges(ctx context.Context, creds Credentials, cursor string) ([]Change, string, error)

	// ListWindow returns all items in [timeMin, timeMax] plus a fresh
	// cursor for subsequent incremental syncs.
	ListWindow(ctx context.Context, creds Credentials, timeMin, timeMax time.Time) ([]Change, string, error)

	// CreateSubscription registers a push channel delivering to callbackURL.
	CreateSubscription(ctx context.Context, creds Credentials, accountID, callbackURL string) (*Subscription, error)

	// StopSubscription tears down a push channel. Stopping a channel the
	// provider no longer knows about is not an error.
	StopSubscription(ctx context.Context, creds Credentials, channelID, resourceID string) error

	// GetStatus fetches one item by external id. Returns an error wrapping
	// ErrNotFound when the provider has no such item.
	GetStatus(ctx context.Context, creds Credentials, externalID string) (*Change, error)
}
