package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/example/roombook/internal/persistence"
)

// bookingTx implements persistence.BookingTx on a *sql.Tx. Transactions begin
// with BEGIN IMMEDIATE, so the database write lock is held from the first
// statement; LockRoom still touches the room row so the lock is explicit and
// the room's existence is checked under it.
type bookingTx struct {
	tx *sql.Tx
}

func (t *bookingTx) LockRoom(ctx context.Context, roomID string) (persistence.Room, error) {
	result, err := t.tx.ExecContext(ctx, `UPDATE rooms SET lock_version = lock_version + 1 WHERE id = ?`, roomID)
	if err != nil {
		return persistence.Room{}, mapError(err)
	}
	if err := requireRow(result); err != nil {
		return persistence.Room{}, err
	}
	room, err := scanRoom(t.tx.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, roomID))
	if err != nil {
		return persistence.Room{}, mapError(err)
	}
	return room, nil
}

func (t *bookingTx) LockUser(ctx context.Context, userID string) (persistence.User, error) {
	result, err := t.tx.ExecContext(ctx, `UPDATE users SET lock_version = lock_version + 1 WHERE id = ?`, userID)
	if err != nil {
		return persistence.User{}, mapError(err)
	}
	if err := requireRow(result); err != nil {
		return persistence.User{}, err
	}
	return getUser(ctx, t.tx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
}

func (t *bookingTx) GetActiveBooking(ctx context.Context, id string) (persistence.Booking, error) {
	booking, err := scanBooking(t.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ? AND deleted_at IS NULL`, id))
	if err != nil {
		return persistence.Booking{}, mapError(err)
	}
	return booking, nil
}

func (t *bookingTx) ListGroup(ctx context.Context, groupID string) ([]persistence.Booking, error) {
	return queryBookings(ctx, t.tx,
		`SELECT `+bookingColumns+` FROM bookings WHERE recurrence_group_id = ? AND deleted_at IS NULL ORDER BY start_time, id`,
		groupID,
	)
}

func (t *bookingTx) FindRoomOverlap(ctx context.Context, roomID string, from, to time.Time, exclude []string) (persistence.Booking, bool, error) {
	return t.findOverlap(ctx, "room_id", roomID, from, to, exclude)
}

func (t *bookingTx) FindUserOverlap(ctx context.Context, userID string, from, to time.Time, exclude []string) (persistence.Booking, bool, error) {
	return t.findOverlap(ctx, "user_id", userID, from, to, exclude)
}

// findOverlap applies the boundary-inclusive test end >= from AND start <= to.
func (t *bookingTx) findOverlap(ctx context.Context, column, value string, from, to time.Time, exclude []string) (persistence.Booking, bool, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + bookingColumns + ` FROM bookings WHERE ` + column + ` = ? AND deleted_at IS NULL AND end_time >= ? AND start_time <= ?`)
	args := []any{value, formatTime(from), formatTime(to)}
	if len(exclude) > 0 {
		placeholders, ids := inList(exclude)
		query.WriteString(` AND id NOT IN (` + placeholders + `)`)
		args = append(args, ids...)
	}
	query.WriteString(` ORDER BY start_time LIMIT 1`)

	booking, err := scanBooking(t.tx.QueryRowContext(ctx, query.String(), args...))
	if err == sql.ErrNoRows {
		return persistence.Booking{}, false, nil
	}
	if err != nil {
		return persistence.Booking{}, false, mapError(err)
	}
	return booking, true, nil
}

func (t *bookingTx) InsertBooking(ctx context.Context, b persistence.Booking) error {
	if b.ID == "" {
		return persistence.ErrConstraintViolation
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.RoomID, formatTime(b.Start), formatTime(b.End),
		nullableString(b.RecurrenceRule), nullableTime(b.RecurrenceEndDate), nullableString(b.RecurrenceGroupID),
		nullableString(b.SlackChannelID), nullableString(b.SlackMessageTS), nullableString(b.CalendarEventID),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt), nullableTime(b.DeletedAt),
	)
	return mapError(err)
}

func (t *bookingTx) UpdateBooking(ctx context.Context, b persistence.Booking) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE bookings
		SET room_id = ?, start_time = ?, end_time = ?,
			recurrence_rule = ?, recurrence_end_date = ?, recurrence_group_id = ?,
			updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		b.RoomID, formatTime(b.Start), formatTime(b.End),
		nullableString(b.RecurrenceRule), nullableTime(b.RecurrenceEndDate), nullableString(b.RecurrenceGroupID),
		formatTime(b.UpdatedAt),
		b.ID,
	)
	if err != nil {
		return mapError(err)
	}
	return requireRow(result)
}

func (t *bookingTx) SoftDeleteBookings(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, args := inList(ids)
	stamp := formatTime(at)
	args = append([]any{stamp, stamp}, args...)
	result, err := t.tx.ExecContext(ctx, `UPDATE bookings SET deleted_at = ?, updated_at = ? WHERE deleted_at IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, mapError(err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}
