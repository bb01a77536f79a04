// Package notify carries booking events from the booking engine to Slack,
// Google Calendar and Web Push. Events are published only after the booking
// transaction commits, and delivery failures never reach the caller.
package notify

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind identifies what happened to a booking.
type Kind string

const (
	KindBookingCreated  Kind = "booking.created"
	KindBookingShifted  Kind = "booking.shifted"
	KindBookingDeleted  Kind = "booking.deleted"
	KindBookingReminder Kind = "booking.reminder"
	KindCalendarSync    Kind = "calendar.sync"
	KindPushOversight   Kind = "push.oversight"
)

// Handle locates a Slack message so it can be edited or retracted later.
type Handle struct {
	ChannelID string `json:"channel_id"`
	MessageTS string `json:"message_ts"`
}

// Credentials are the delegated Google tokens of the acting user.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Event is the payload handed to publishers. Fields not relevant to a kind
// are left empty.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`

	BookingIDs []string  `json:"booking_ids,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	UserName   string    `json:"user_name,omitempty"`
	UserEmail  string    `json:"user_email,omitempty"`
	RoomName   string    `json:"room_name,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`

	// ChannelHint overrides the default Slack channel.
	ChannelHint     string       `json:"channel_hint,omitempty"`
	Handle          *Handle      `json:"handle,omitempty"`
	CalendarEventID string       `json:"calendar_event_id,omitempty"`
	Calendar        *Credentials `json:"calendar,omitempty"`

	RecipientEmail string `json:"recipient_email,omitempty"`
	Title          string `json:"title,omitempty"`
}

// IDGenerator returns a function producing time-ordered snowflake ids for
// events. nodeID must be unique among processes publishing to the same stream.
func IDGenerator(nodeID int64) (func() string, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return node.Generate().String()
	}, nil
}
