package service

import (
	"regexp"
	"strings"

	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/provider"
)

// videoURLPattern matches conferencing links embedded in free text when the
// event carries no structured conference data.
var videoURLPattern = regexp.MustCompile(`https?://(?:[\w-]+\.)?(?:zoom\.us/j/|meet\.google\.com/|teams\.microsoft\.com/l/meetup-join/|webex\.com/(?:meet|join)/)[\w./?=&-]+`)

var meetingTitleKeywords = []string{
	"meeting", "sync", "standup", "stand-up", "1:1", "1on1", "one-on-one",
	"interview", "call", "huddle", "retro", "review", "demo", "kickoff",
}

// IsMeeting applies the deterministic meeting rule to a calendar change:
// a conferencing URL, more than one attendee, a video link in the
// description or location, or a meeting keyword in the title.
func IsMeeting(change provider.Change) bool {
	if change.Kind != models.RecordCalendarEvent || change.Removed {
		return false
	}
	if change.ConferenceURL != "" {
		return true
	}
	if change.AttendeeCount > 1 {
		return true
	}
	if videoURLPattern.MatchString(change.Description) || videoURLPattern.MatchString(change.Location) {
		return true
	}

	title := strings.ToLower(change.Title)
	for _, kw := range meetingTitleKeywords {
		if strings.Contains(title, kw) {
			return true
		}
	}
	return false
}

// JoinURL picks the link a bot would use to join the meeting.
func JoinURL(change provider.Change) string {
	if change.ConferenceURL != "" {
		return change.ConferenceURL
	}
	if m := videoURLPattern.FindString(change.Location); m != "" {
		return m
	}
	return videoURLPattern.FindString(change.Description)
}
