package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/example/roombook/internal/persistence"
)

const bookingColumns = `id, user_id, room_id, start_time, end_time,
	recurrence_rule, recurrence_end_date, recurrence_group_id,
	slack_channel_id, slack_message_ts, calendar_event_id,
	created_at, updated_at, deleted_at`

// BookingRepository implements persistence.BookingRepository using SQLite
type BookingRepository struct {
	db querier
}

// NewBookingRepository creates a new SQLite booking repository
func NewBookingRepository(pool *ConnectionPool) *BookingRepository {
	return &BookingRepository{db: pool.DB()}
}

// GetBooking retrieves a booking by ID, including tombstoned rows
func (r *BookingRepository) GetBooking(ctx context.Context, id string) (persistence.Booking, error) {
	booking, err := scanBooking(r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err != nil {
		return persistence.Booking{}, mapError(err)
	}
	return booking, nil
}

// ListBookings returns active bookings matching filter ordered by start descending
func (r *BookingRepository) ListBookings(ctx context.Context, filter persistence.BookingFilter) ([]persistence.Booking, error) {
	where, args := bookingWhere(filter)
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + where + ` ORDER BY start_time DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}
	return queryBookings(ctx, r.db, query, args...)
}

// CountBookings returns the number of active bookings matching filter, ignoring paging
func (r *BookingRepository) CountBookings(ctx context.Context, filter persistence.BookingFilter) (int, error) {
	where, args := bookingWhere(filter)
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings WHERE `+where, args...).Scan(&count); err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

// AttachSlackHandle records the Slack message that announced the bookings
func (r *BookingRepository) AttachSlackHandle(ctx context.Context, bookingIDs []string, channelID, messageTS string) error {
	if len(bookingIDs) == 0 {
		return nil
	}
	placeholders, args := inList(bookingIDs)
	args = append([]any{channelID, messageTS}, args...)
	_, err := r.db.ExecContext(ctx, `UPDATE bookings SET slack_channel_id = ?, slack_message_ts = ? WHERE id IN (`+placeholders+`)`, args...)
	return mapError(err)
}

// AttachCalendarEvent records the calendar event created for the booking
func (r *BookingRepository) AttachCalendarEvent(ctx context.Context, bookingID, eventID string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE bookings SET calendar_event_id = ? WHERE id = ?`, eventID, bookingID)
	if err != nil {
		return mapError(err)
	}
	return requireRow(result)
}

func bookingWhere(f persistence.BookingFilter) (string, []any) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any

	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.RoomID != "" {
		clauses = append(clauses, "room_id = ?")
		args = append(args, f.RoomID)
	}
	if f.RecurringOnly {
		clauses = append(clauses, "recurrence_group_id IS NOT NULL")
	}
	if f.StartAfter != nil {
		clauses = append(clauses, "start_time > ?")
		args = append(args, formatTime(*f.StartAfter))
	}
	if w := f.StartWithin; w != nil {
		clauses = append(clauses, "start_time >= ?", "start_time < ?")
		args = append(args, formatTime(w.From), formatTime(w.To))
	}
	if w := f.Overlapping; w != nil {
		clauses = append(clauses, "end_time >= ?", "start_time <= ?")
		args = append(args, formatTime(w.From), formatTime(w.To))
	}
	return strings.Join(clauses, " AND "), args
}

func inList(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}

func queryBookings(ctx context.Context, db querier, query string, args ...any) ([]persistence.Booking, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var bookings []persistence.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}
	return bookings, rows.Err()
}

func scanBooking(row rowScanner) (persistence.Booking, error) {
	var (
		b                                 persistence.Booking
		start, end, createdAt, updatedAt  string
		rule, untilRaw, group             sql.NullString
		slackChannel, slackTS, calendarID sql.NullString
		deletedRaw                        sql.NullString
	)
	if err := row.Scan(
		&b.ID, &b.UserID, &b.RoomID, &start, &end,
		&rule, &untilRaw, &group,
		&slackChannel, &slackTS, &calendarID,
		&createdAt, &updatedAt, &deletedRaw,
	); err != nil {
		return persistence.Booking{}, err
	}

	var err error
	for _, field := range []struct {
		dst *time.Time
		raw string
		col string
	}{
		{&b.Start, start, "start_time"},
		{&b.End, end, "end_time"},
		{&b.CreatedAt, createdAt, "created_at"},
		{&b.UpdatedAt, updatedAt, "updated_at"},
	} {
		if *field.dst, err = parseTime(field.raw); err != nil {
			return persistence.Booking{}, fmt.Errorf("parse %s: %w", field.col, err)
		}
	}

	if b.RecurrenceEndDate, err = timePtr(untilRaw); err != nil {
		return persistence.Booking{}, fmt.Errorf("parse recurrence_end_date: %w", err)
	}
	if b.DeletedAt, err = timePtr(deletedRaw); err != nil {
		return persistence.Booking{}, fmt.Errorf("parse deleted_at: %w", err)
	}
	b.RecurrenceRule = stringPtr(rule)
	b.RecurrenceGroupID = stringPtr(group)
	b.SlackChannelID = stringPtr(slackChannel)
	b.SlackMessageTS = stringPtr(slackTS)
	b.CalendarEventID = stringPtr(calendarID)
	return b, nil
}
