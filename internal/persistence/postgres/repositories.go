package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/roombook/internal/persistence"
)

const (
	userColumns    = `id, email, name, role, active, blocked, created_at, updated_at`
	roomColumns    = `id, name, capacity, created_at, updated_at`
	bookingColumns = `id, user_id, room_id, start_time, end_time,
		recurrence_rule, recurrence_end_date, recurrence_group_id,
		slack_channel_id, slack_message_ts, calendar_event_id,
		created_at, updated_at, deleted_at`
)

func (s *Storage) CreateUser(ctx context.Context, user persistence.User) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, strings.ToLower(user.Email), user.Name, user.Role, user.Active, user.Blocked, user.CreatedAt, user.UpdatedAt)
	return mapError(err)
}

// UpdateUser never changes the email, which is the immutable business key.
func (s *Storage) UpdateUser(ctx context.Context, user persistence.User) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET name = $2, role = $3, active = $4, blocked = $5, updated_at = $6 WHERE id = $1`,
		user.ID, user.Name, user.Role, user.Active, user.Blocked, user.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}

func (s *Storage) GetUser(ctx context.Context, id string) (persistence.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Storage) GetUserByEmail(ctx context.Context, email string) (persistence.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (s *Storage) ListUsers(ctx context.Context) ([]persistence.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, id`)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (persistence.User, error) {
		return scanUser(row)
	})
}

func scanUser(row pgx.Row) (persistence.User, error) {
	var u persistence.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Active, &u.Blocked, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return persistence.User{}, mapError(err)
	}
	inUTC(&u.CreatedAt, &u.UpdatedAt)
	return u, nil
}

func (s *Storage) CreateRoom(ctx context.Context, room persistence.Room) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO rooms (`+roomColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		room.ID, room.Name, room.Capacity, room.CreatedAt, room.UpdatedAt)
	return mapError(err)
}

func (s *Storage) UpdateRoom(ctx context.Context, room persistence.Room) error {
	tag, err := s.pool.Exec(ctx, `UPDATE rooms SET name = $2, capacity = $3, updated_at = $4 WHERE id = $1`,
		room.ID, room.Name, room.Capacity, room.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}

func (s *Storage) GetRoom(ctx context.Context, id string) (persistence.Room, error) {
	return scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (s *Storage) ListRooms(ctx context.Context) ([]persistence.Room, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY name, id`)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (persistence.Room, error) {
		return scanRoom(row)
	})
}

func scanRoom(row pgx.Row) (persistence.Room, error) {
	var r persistence.Room
	if err := row.Scan(&r.ID, &r.Name, &r.Capacity, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return persistence.Room{}, mapError(err)
	}
	inUTC(&r.CreatedAt, &r.UpdatedAt)
	return r, nil
}

func (s *Storage) GetBooking(ctx context.Context, id string) (persistence.Booking, error) {
	return scanBooking(s.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

func (s *Storage) ListBookings(ctx context.Context, filter persistence.BookingFilter) ([]persistence.Booking, error) {
	where, args := bookingWhere(filter)
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + where + ` ORDER BY start_time DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	return queryBookings(ctx, s.pool, query, args...)
}

func (s *Storage) CountBookings(ctx context.Context, filter persistence.BookingFilter) (int, error) {
	where, args := bookingWhere(filter)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM bookings WHERE `+where, args...).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func (s *Storage) AttachSlackHandle(ctx context.Context, bookingIDs []string, channelID, messageTS string) error {
	if len(bookingIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE bookings SET slack_channel_id = $1, slack_message_ts = $2 WHERE id = ANY($3)`,
		channelID, messageTS, bookingIDs)
	return mapError(err)
}

func (s *Storage) AttachCalendarEvent(ctx context.Context, bookingID, eventID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bookings SET calendar_event_id = $1 WHERE id = $2`, eventID, bookingID)
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}

// bookingWhere renders the filter with numbered placeholders starting at $1.
func bookingWhere(f persistence.BookingFilter) (string, []any) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	add := func(clause string, values ...any) {
		for _, v := range values {
			args = append(args, v)
			clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		clauses = append(clauses, clause)
	}

	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.RoomID != "" {
		add("room_id = ?", f.RoomID)
	}
	if f.RecurringOnly {
		add("recurrence_group_id IS NOT NULL")
	}
	if f.StartAfter != nil {
		add("start_time > ?", *f.StartAfter)
	}
	if w := f.StartWithin; w != nil {
		add("start_time >= ? AND start_time < ?", w.From, w.To)
	}
	if w := f.Overlapping; w != nil {
		add("end_time >= ? AND start_time <= ?", w.From, w.To)
	}
	return strings.Join(clauses, " AND "), args
}

func queryBookings(ctx context.Context, db dbtx, query string, args ...any) ([]persistence.Booking, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (persistence.Booking, error) {
		return scanBooking(row)
	})
}

func scanBooking(row pgx.Row) (persistence.Booking, error) {
	var b persistence.Booking
	err := row.Scan(
		&b.ID, &b.UserID, &b.RoomID, &b.Start, &b.End,
		&b.RecurrenceRule, &b.RecurrenceEndDate, &b.RecurrenceGroupID,
		&b.SlackChannelID, &b.SlackMessageTS, &b.CalendarEventID,
		&b.CreatedAt, &b.UpdatedAt, &b.DeletedAt,
	)
	if err != nil {
		return persistence.Booking{}, mapError(err)
	}
	inUTC(&b.Start, &b.End, &b.CreatedAt, &b.UpdatedAt, b.RecurrenceEndDate, b.DeletedAt)
	return b, nil
}

// inUTC rewrites scanned TIMESTAMPTZ values, which pgx returns in the
// process's local zone, to UTC like the other backends. Nil pointers are skipped.
func inUTC(ts ...*time.Time) {
	for _, t := range ts {
		if t != nil {
			*t = t.UTC()
		}
	}
}

func (s *Storage) SavePushSubscription(ctx context.Context, sub persistence.PushSubscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (endpoint) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			created_at = EXCLUDED.created_at`,
		sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt)
	return mapError(err)
}

func (s *Storage) LatestPushSubscription(ctx context.Context, userID string) (persistence.PushSubscription, error) {
	var sub persistence.PushSubscription
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions WHERE user_id = $1
		ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt)
	if err != nil {
		return persistence.PushSubscription{}, mapError(err)
	}
	inUTC(&sub.CreatedAt)
	return sub, nil
}

func (s *Storage) DeletePushSubscription(ctx context.Context, endpoint string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}
