package persistence

import "time"

// User represents an employee account known to the booking service.
type User struct {
	ID        string
	Email     string
	Name      string
	Role      string
	Active    bool
	Blocked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Room represents a bookable meeting room.
type Room struct {
	ID        string
	Name      string
	Capacity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Booking is a single reserved interval. Occurrences of a recurring request
// are stored as independent rows sharing RecurrenceGroupID.
type Booking struct {
	ID     string
	UserID string
	RoomID string
	Start  time.Time
	End    time.Time

	RecurrenceRule    *string
	RecurrenceEndDate *time.Time
	RecurrenceGroupID *string

	SlackChannelID  *string
	SlackMessageTS  *string
	CalendarEventID *string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Active reports whether the booking has not been tombstoned.
func (b Booking) Active() bool {
	return b.DeletedAt == nil
}

// GroupID returns the recurrence group identifier or an empty string.
func (b Booking) GroupID() string {
	if b.RecurrenceGroupID == nil {
		return ""
	}
	return *b.RecurrenceGroupID
}

// SlackHandle returns the stored Slack message coordinates when both are present.
func (b Booking) SlackHandle() (channelID, messageTS string, ok bool) {
	if b.SlackChannelID == nil || b.SlackMessageTS == nil || *b.SlackChannelID == "" || *b.SlackMessageTS == "" {
		return "", "", false
	}
	return *b.SlackChannelID, *b.SlackMessageTS, true
}

// PushSubscription is a browser push endpoint registered by a user.
type PushSubscription struct {
	ID        string
	UserID    string
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}
