package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/roombook/internal/persistence"
)

// SlackSink posts, edits and retracts channel messages.
type SlackSink interface {
	Post(ctx context.Context, channelID, text string) (Handle, error)
	Update(ctx context.Context, handle Handle, text string) error
	Delete(ctx context.Context, handle Handle) error
}

// CalendarEntry is what the calendar sink writes for one occurrence.
type CalendarEntry struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}

// CalendarSink creates or patches an event on the user's primary calendar and
// returns the event id.
type CalendarSink interface {
	Upsert(ctx context.Context, creds Credentials, eventID string, entry CalendarEntry) (string, error)
}

// ErrSubscriptionGone is returned by push sinks when the push service reports
// the endpoint as expired.
var ErrSubscriptionGone = errors.New("notify: push subscription gone")

// PushSink delivers an encrypted payload to one browser subscription.
type PushSink interface {
	Send(ctx context.Context, sub persistence.PushSubscription, payload []byte) error
}

// Store is the persistence the dispatcher writes delivery results back to.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (persistence.User, error)
	AttachSlackHandle(ctx context.Context, bookingIDs []string, channelID, messageTS string) error
	AttachCalendarEvent(ctx context.Context, bookingID, eventID string) error
	LatestPushSubscription(ctx context.Context, userID string) (persistence.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// DispatcherConfig wires the sinks. Any sink may be nil, in which case events
// of the matching kinds are skipped.
type DispatcherConfig struct {
	Store          Store
	Slack          SlackSink
	Calendar       CalendarSink
	Push           PushSink
	DefaultChannel string
	Location       *time.Location
	Logger         *slog.Logger
}

// Dispatcher routes events to the configured sinks.
type Dispatcher struct {
	store          Store
	slack          SlackSink
	calendar       CalendarSink
	push           PushSink
	defaultChannel string
	location       *time.Location
	logger         *slog.Logger
}

// NewDispatcher builds a Dispatcher from cfg.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		store:          cfg.Store,
		slack:          cfg.Slack,
		calendar:       cfg.Calendar,
		push:           cfg.Push,
		defaultChannel: cfg.DefaultChannel,
		location:       cfg.Location,
		logger:         cfg.Logger.With("component", "notify.dispatcher"),
	}
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, event Event) error {
	logger := d.logger.With("event_id", event.ID, "kind", event.Kind)

	var err error
	switch event.Kind {
	case KindBookingCreated, KindBookingReminder:
		err = d.post(ctx, event)
	case KindBookingShifted:
		err = d.shift(ctx, event)
	case KindBookingDeleted:
		err = d.retract(ctx, event)
	case KindCalendarSync:
		err = d.syncCalendar(ctx, event)
	case KindPushOversight:
		err = d.pushOversight(ctx, event)
	default:
		logger.WarnContext(ctx, "unknown event kind")
		return nil
	}
	if errors.Is(err, errSkipped) {
		logger.DebugContext(ctx, "sink not configured, event skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", event.Kind, err)
	}
	logger.InfoContext(ctx, "event delivered")
	return nil
}

var errSkipped = errors.New("skipped")

func (d *Dispatcher) post(ctx context.Context, event Event) error {
	if d.slack == nil {
		return errSkipped
	}
	handle, err := d.slack.Post(ctx, d.channel(event), d.message(event))
	if err != nil {
		return err
	}
	if event.Kind != KindBookingCreated || len(event.BookingIDs) == 0 {
		return nil
	}
	return d.store.AttachSlackHandle(ctx, event.BookingIDs, handle.ChannelID, handle.MessageTS)
}

func (d *Dispatcher) shift(ctx context.Context, event Event) error {
	if d.slack == nil {
		return errSkipped
	}
	if event.Handle != nil {
		return d.slack.Update(ctx, *event.Handle, d.message(event))
	}
	handle, err := d.slack.Post(ctx, d.channel(event), d.message(event))
	if err != nil {
		return err
	}
	return d.store.AttachSlackHandle(ctx, event.BookingIDs, handle.ChannelID, handle.MessageTS)
}

func (d *Dispatcher) retract(ctx context.Context, event Event) error {
	if d.slack == nil || event.Handle == nil {
		return errSkipped
	}
	return d.slack.Delete(ctx, *event.Handle)
}

func (d *Dispatcher) syncCalendar(ctx context.Context, event Event) error {
	if d.calendar == nil || event.Calendar == nil {
		return errSkipped
	}
	entry := CalendarEntry{
		Summary:     "Meeting room: " + event.RoomName,
		Description: fmt.Sprintf("%s booked %s", event.UserName, event.RoomName),
		Start:       event.Start,
		End:         event.End,
	}
	eventID, err := d.calendar.Upsert(ctx, *event.Calendar, event.CalendarEventID, entry)
	if err != nil {
		return err
	}
	if event.CalendarEventID != "" || len(event.BookingIDs) == 0 {
		return nil
	}
	return d.store.AttachCalendarEvent(ctx, event.BookingIDs[0], eventID)
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (d *Dispatcher) pushOversight(ctx context.Context, event Event) error {
	if d.push == nil || event.RecipientEmail == "" {
		return errSkipped
	}
	recipient, err := d.store.GetUserByEmail(ctx, event.RecipientEmail)
	if errors.Is(err, persistence.ErrNotFound) {
		return errSkipped
	}
	if err != nil {
		return err
	}
	sub, err := d.store.LatestPushSubscription(ctx, recipient.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		return errSkipped
	}
	if err != nil {
		return err
	}

	title := event.Title
	if title == "" {
		title = "New room booking"
	}
	payload, err := json.Marshal(pushPayload{Title: title, Body: d.summary(event)})
	if err != nil {
		return err
	}
	err = d.push.Send(ctx, sub, payload)
	if errors.Is(err, ErrSubscriptionGone) {
		d.logger.InfoContext(ctx, "removing expired push subscription", "user_id", recipient.ID)
		return d.store.DeletePushSubscription(ctx, sub.Endpoint)
	}
	return err
}

func (d *Dispatcher) channel(event Event) string {
	if event.ChannelHint != "" {
		return event.ChannelHint
	}
	if event.Handle != nil && event.Handle.ChannelID != "" {
		return event.Handle.ChannelID
	}
	return d.defaultChannel
}

func (d *Dispatcher) message(event Event) string {
	switch event.Kind {
	case KindBookingShifted:
		return fmt.Sprintf(":arrows_counterclockwise: *Room Booking Updated:* %s", d.summary(event))
	case KindBookingReminder:
		return fmt.Sprintf(":bell: *Recurring Booking Today:* %s", d.summary(event))
	default:
		return fmt.Sprintf(":loudspeaker: *Room Booking Alert:* %s. Please update your schedules accordingly.", d.summary(event))
	}
}

func (d *Dispatcher) summary(event Event) string {
	start := event.Start.In(d.location)
	end := event.End.In(d.location)
	return fmt.Sprintf("%s booked from *%s* to *%s* on %s by *%s*",
		event.RoomName, start.Format("15:04"), end.Format("15:04"), start.Format("Mon Jan 02 2006"), event.UserName)
}
