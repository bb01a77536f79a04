package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/example/roombook/internal/notify"
	"github.com/example/roombook/internal/persistence"
)

// ReminderService announces today's recurring bookings once a day.
type ReminderService struct {
	bookings  persistence.BookingRepository
	directory *Directory
	publisher notify.Publisher
	location  *time.Location
	eventID   func() string
	logger    *slog.Logger
}

// NewReminderService wires dependencies for reminders.
func NewReminderService(bookings persistence.BookingRepository, directory *Directory, publisher notify.Publisher, loc *time.Location, eventID func() string, logger *slog.Logger) *ReminderService {
	if loc == nil {
		loc = time.UTC
	}
	if publisher == nil {
		publisher = notify.Discard{}
	}
	if eventID == nil {
		eventID = uuid.NewString
	}
	return &ReminderService{
		bookings:  bookings,
		directory: directory,
		publisher: publisher,
		location:  loc,
		eventID:   eventID,
		logger:    defaultLogger(logger),
	}
}

// SendDailyReminders publishes one booking.reminder event for every active
// recurring booking starting on now's calendar day and returns the count.
func (s *ReminderService) SendDailyReminders(ctx context.Context, now time.Time) (sent int, err error) {
	if s == nil {
		err = fmt.Errorf("ReminderService is nil")
		return
	}

	logger := serviceLogger(ctx, s.logger, "ReminderService", "SendDailyReminders")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to send reminders", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("sent", sent).InfoContext(ctx, "reminders sent")
	}()

	y, m, d := now.In(s.location).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, s.location)
	end := time.Date(y, m, d+1, 0, 0, 0, 0, s.location)

	var records []persistence.Booking
	records, err = s.bookings.ListBookings(ctx, persistence.BookingFilter{
		RecurringOnly: true,
		StartWithin:   &persistence.TimeRange{From: start, To: end},
	})
	if err != nil {
		return
	}

	events := make([]notify.Event, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		b := records[i]
		event := notify.Event{
			ID:         s.eventID(),
			Kind:       notify.KindBookingReminder,
			OccurredAt: now,
			BookingIDs: []string{b.ID},
			GroupID:    b.GroupID(),
			Start:      b.Start,
			End:        b.End,
		}
		if room, lookupErr := s.directory.Room(ctx, b.RoomID); lookupErr == nil {
			event.RoomName = room.Name
		}
		if user, lookupErr := s.directory.User(ctx, b.UserID); lookupErr == nil {
			event.UserName = user.Name
			event.UserEmail = user.Email
		}
		events = append(events, event)
	}
	if len(events) == 0 {
		return
	}
	if err = s.publisher.Publish(ctx, events...); err != nil {
		return
	}
	sent = len(events)
	return
}

// ReminderSpec is the cron expression for a daily run at hour:00.
func ReminderSpec(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}

// Run calls SendDailyReminders every day at hour:00 in the service location
// until ctx is cancelled. It returns once any reminder run in flight finishes.
func (s *ReminderService) Run(ctx context.Context, hour int) error {
	return s.runSchedule(ctx, ReminderSpec(hour))
}

func (s *ReminderService) runSchedule(ctx context.Context, spec string) error {
	logger := cronLogger{logger: s.logger.With("component", "ReminderService")}
	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() {
		// Errors are logged by SendDailyReminders.
		_, _ = s.SendDailyReminders(ctx, time.Now())
	}); err != nil {
		return fmt.Errorf("reminder schedule %q: %w", spec, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// NextReminder returns the first hour:00 in loc strictly after now.
func NextReminder(now time.Time, hour int, loc *time.Location) (time.Time, error) {
	schedule, err := cron.ParseStandard(ReminderSpec(hour))
	if err != nil {
		return time.Time{}, err
	}
	// Standard specs carry no zone and follow the zone of the time passed in.
	return schedule.Next(now.In(loc)), nil
}

// cronLogger routes the scheduler's own messages into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
