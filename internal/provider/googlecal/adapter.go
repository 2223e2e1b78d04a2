// Package googlecal adapts the Google Calendar API to the engine's
// provider capability set.
package googlecal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/provider"
)

const (
	calendarID = "primary"
	// Google caps calendar watch leases at 7 days; ask for the max.
	watchLease = 7 * 24 * time.Hour
	pageSize   = 250
)

type Adapter struct {
	clientID     string
	clientSecret string
}

func NewAdapter(clientID, clientSecret string) *Adapter {
	return &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (a *Adapter) service(ctx context.Context, creds provider.Credentials) (*calendar.Service, error) {
	token := &oauth2.Token{
		AccessToken: creds.AccessToken,
		TokenType:   "Bearer",
	}

	svc, err := calendar.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// ListChanges fetches the change stream since the given sync token,
// following pagination until the provider hands back a fresh token.
func (a *Adapter) ListChanges(ctx context.Context, creds provider.Credentials, cursor string) ([]provider.Change, string, error) {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return nil, "", err
	}

	var changes []provider.Change
	pageToken := ""
	nextCursor := ""

	for {
		call := svc.Events.List(calendarID).
			SyncToken(cursor).
			ShowDeleted(true).
			SingleEvents(true).
			MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, "", classify(err)
		}

		for _, ev := range resp.Items {
			changes = append(changes, convertEvent(ev))
		}

		if resp.NextPageToken != "" {
			pageToken = resp.NextPageToken
			continue
		}
		nextCursor = resp.NextSyncToken
		break
	}

	return changes, nextCursor, nil
}

// ListWindow fetches all events in the window and returns the fresh sync
// token issued on the final page.
func (a *Adapter) ListWindow(ctx context.Context, creds provider.Credentials, timeMin, timeMax time.Time) ([]provider.Change, string, error) {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return nil, "", err
	}

	var changes []provider.Change
	pageToken := ""
	nextCursor := ""

	for {
		call := svc.Events.List(calendarID).
			TimeMin(timeMin.Format(time.RFC3339)).
			TimeMax(timeMax.Format(time.RFC3339)).
			ShowDeleted(true).
			SingleEvents(true).
			MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, "", classify(err)
		}

		for _, ev := range resp.Items {
			changes = append(changes, convertEvent(ev))
		}

		if resp.NextPageToken != "" {
			pageToken = resp.NextPageToken
			continue
		}
		nextCursor = resp.NextSyncToken
		break
	}

	return changes, nextCursor, nil
}

// CreateSubscription opens a push channel on the primary calendar.
func (a *Adapter) CreateSubscription(ctx context.Context, creds provider.Credentials, accountID, callbackURL string) (*provider.Subscription, error) {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	channel := &calendar.Channel{
		Id:         fmt.Sprintf("cal-%s-%d", accountID, time.Now().UnixNano()),
		Type:       "web_hook",
		Address:    callbackURL,
		Expiration: time.Now().Add(watchLease).UnixMilli(),
	}

	resp, err := svc.Events.Watch(calendarID, channel).Context(ctx).Do()
	if err != nil {
		err = classify(err)
		if errors.Is(err, provider.ErrRateLimited) || errors.Is(err, provider.ErrUnavailable) {
			return nil, err
		}
		if errors.Is(err, provider.ErrCredentialInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("watch rejected: %w", provider.ErrSubscriptionRejected)
	}

	return &provider.Subscription{
		ChannelID:  resp.Id,
		ResourceID: resp.ResourceId,
		ExpiresAt:  time.UnixMilli(resp.Expiration),
	}, nil
}

// StopSubscription closes a push channel. A channel Google has already
// forgotten is treated as stopped.
func (a *Adapter) StopSubscription(ctx context.Context, creds provider.Credentials, channelID, resourceID string) error {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return err
	}

	err = svc.Channels.Stop(&calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	if err != nil {
		cerr := classify(err)
		if errors.Is(cerr, provider.ErrNotFound) {
			return nil
		}
		return cerr
	}
	return nil
}

// GetStatus fetches a single event by id.
func (a *Adapter) GetStatus(ctx context.Context, creds provider.Credentials, externalID string) (*provider.Change, error) {
	svc, err := a.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	ev, err := svc.Events.Get(calendarID, externalID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	change := convertEvent(ev)
	return &change, nil
}

// convertEvent maps a calendar event onto the engine's change shape.
func convertEvent(ev *calendar.Event) provider.Change {
	change := provider.Change{
		ExternalID:  ev.Id,
		Kind:        models.RecordCalendarEvent,
		Removed:     ev.Status == "cancelled",
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
	}

	change.StartsAt, change.EndsAt, change.AllDay = eventTimes(ev)

	for _, att := range ev.Attendees {
		if att.Resource {
			continue // rooms and equipment are not people
		}
		change.AttendeeCount++
	}

	change.ConferenceURL = conferenceURL(ev)

	if raw, err := json.Marshal(ev); err == nil {
		change.Raw = raw
	}

	return change
}

// eventTimes resolves start/end, mapping all-day events (date only, no
// time) to a full-day window at provider-local midnight.
func eventTimes(ev *calendar.Event) (*time.Time, *time.Time, bool) {
	if ev.Start == nil {
		return nil, nil, false
	}

	if ev.Start.DateTime != "" {
		start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
		if err != nil {
			return nil, nil, false
		}
		var end *time.Time
		if ev.End != nil && ev.End.DateTime != "" {
			if e, err := time.Parse(time.RFC3339, ev.End.DateTime); err == nil {
				end = &e
			}
		}
		return &start, end, false
	}

	if ev.Start.Date != "" {
		loc := time.Local
		if ev.Start.TimeZone != "" {
			if l, err := time.LoadLocation(ev.Start.TimeZone); err == nil {
				loc = l
			}
		}
		start, err := time.ParseInLocation("2006-01-02", ev.Start.Date, loc)
		if err != nil {
			return nil, nil, false
		}
		end := start.Add(24 * time.Hour)
		return &start, &end, true
	}

	return nil, nil, false
}

// conferenceURL extracts the video-conference link, preferring structured
// conference data over the legacy hangout link.
func conferenceURL(ev *calendar.Event) string {
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return ev.HangoutLink
}

// classify maps Google API errors onto the engine's error taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("calendar api: %v: %w", err, provider.ErrUnavailable)
	}

	switch gerr.Code {
	case 401:
		return fmt.Errorf("calendar api: %s: %w", gerr.Message, provider.ErrCredentialInvalid)
	case 403:
		// 403 is both quota exhaustion and permission revocation; the
		// reason field tells them apart.
		for _, e := range gerr.Errors {
			switch e.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				return fmt.Errorf("calendar api: %s: %w", gerr.Message, provider.ErrRateLimited)
			}
		}
		if strings.Contains(strings.ToLower(gerr.Message), "rate") {
			return fmt.Errorf("calendar api: %s: %w", gerr.Message, provider.ErrRateLimited)
		}
		return fmt.Errorf("calendar api: %s: %w", gerr.Message, provider.ErrCredentialInvalid)
	case 404:
		return fmt.Errorf("calendar api: %s: %w", gerr.Message, provider.ErrNotFound)
	case 410:
		return fmt.Errorf("calendar api: %s: %w", gerr.Message, provider.ErrCursorExpired)
	case 429:
		return fmt.Errorf("calendar api: %s: %w", gerr.Message, provider.ErrRateLimited)
	}

	if gerr.Code >= 500 {
		return fmt.Errorf("calendar api: %s: %w", gerr.Message, provider.ErrUnavailable)
	}

	return fmt.Errorf("calendar api (status %d): %s: %w", gerr.Code, gerr.Message, provider.ErrUnavailable)
}
