// Package calendar writes booking occurrences to the booking user's Google
// Calendar using their delegated OAuth tokens.
package calendar

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/example/roombook/internal/notify"
)

const primaryCalendar = "primary"

// Sink implements notify.CalendarSink.
type Sink struct {
	oauth    *oauth2.Config
	location *time.Location
	options  []option.ClientOption
}

// NewSink returns a sink that refreshes tokens with the given OAuth client and
// writes event times in loc. Extra client options are appended after the
// per-user token source.
func NewSink(clientID, clientSecret string, loc *time.Location, opts ...option.ClientOption) *Sink {
	if loc == nil {
		loc = time.UTC
	}
	return &Sink{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gcal.CalendarEventsScope},
		},
		location: loc,
		options:  opts,
	}
}

// Upsert patches eventID when set and inserts a new event otherwise.
func (s *Sink) Upsert(ctx context.Context, creds notify.Credentials, eventID string, entry notify.CalendarEntry) (string, error) {
	token := &oauth2.Token{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken}
	opts := append([]option.ClientOption{option.WithTokenSource(s.oauth.TokenSource(ctx, token))}, s.options...)

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("calendar client: %w", err)
	}

	event := &gcal.Event{
		Summary:     entry.Summary,
		Description: entry.Description,
		Start:       s.dateTime(entry.Start),
		End:         s.dateTime(entry.End),
	}

	var saved *gcal.Event
	if eventID != "" {
		saved, err = svc.Events.Patch(primaryCalendar, eventID, event).Context(ctx).Do()
	} else {
		saved, err = svc.Events.Insert(primaryCalendar, event).Context(ctx).Do()
	}
	if err != nil {
		return "", fmt.Errorf("calendar upsert: %w", err)
	}
	return saved.Id, nil
}

func (s *Sink) dateTime(t time.Time) *gcal.EventDateTime {
	return &gcal.EventDateTime{
		DateTime: t.In(s.location).Format(time.RFC3339),
		TimeZone: s.location.String(),
	}
}
