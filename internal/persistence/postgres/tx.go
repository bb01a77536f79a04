package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/roombook/internal/persistence"
)

type bookingTx struct {
	tx pgx.Tx
}

func (t *bookingTx) LockRoom(ctx context.Context, roomID string) (persistence.Room, error) {
	return scanRoom(t.tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`, roomID))
}

// LockUser takes a transaction-scoped advisory lock so bookings for the same
// user serialise across rooms.
func (t *bookingTx) LockUser(ctx context.Context, userID string) (persistence.User, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return persistence.User{}, mapError(err)
	}
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

func (t *bookingTx) GetActiveBooking(ctx context.Context, id string) (persistence.Booking, error) {
	return scanBooking(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
}

func (t *bookingTx) ListGroup(ctx context.Context, groupID string) ([]persistence.Booking, error) {
	return queryBookings(ctx, t.tx,
		`SELECT `+bookingColumns+` FROM bookings WHERE recurrence_group_id = $1 AND deleted_at IS NULL ORDER BY start_time, id FOR UPDATE`,
		groupID)
}

func (t *bookingTx) FindRoomOverlap(ctx context.Context, roomID string, from, to time.Time, exclude []string) (persistence.Booking, bool, error) {
	return t.findOverlap(ctx, "room_id", roomID, from, to, exclude)
}

func (t *bookingTx) FindUserOverlap(ctx context.Context, userID string, from, to time.Time, exclude []string) (persistence.Booking, bool, error) {
	return t.findOverlap(ctx, "user_id", userID, from, to, exclude)
}

func (t *bookingTx) findOverlap(ctx context.Context, column, value string, from, to time.Time, exclude []string) (persistence.Booking, bool, error) {
	if exclude == nil {
		exclude = []string{}
	}
	booking, err := scanBooking(t.tx.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE `+column+` = $1 AND deleted_at IS NULL
			AND end_time >= $2 AND start_time <= $3
			AND NOT (id = ANY($4))
		ORDER BY start_time
		LIMIT 1`,
		value, from, to, exclude))
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Booking{}, false, nil
	}
	if err != nil {
		return persistence.Booking{}, false, err
	}
	return booking, true, nil
}

func (t *bookingTx) InsertBooking(ctx context.Context, b persistence.Booking) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.UserID, b.RoomID, b.Start, b.End,
		b.RecurrenceRule, b.RecurrenceEndDate, b.RecurrenceGroupID,
		b.SlackChannelID, b.SlackMessageTS, b.CalendarEventID,
		b.CreatedAt, b.UpdatedAt, b.DeletedAt)
	return mapError(err)
}

func (t *bookingTx) UpdateBooking(ctx context.Context, b persistence.Booking) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET room_id = $2, start_time = $3, end_time = $4,
			recurrence_rule = $5, recurrence_end_date = $6, recurrence_group_id = $7,
			updated_at = $8
		WHERE id = $1 AND deleted_at IS NULL`,
		b.ID, b.RoomID, b.Start, b.End,
		b.RecurrenceRule, b.RecurrenceEndDate, b.RecurrenceGroupID,
		b.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}

func (t *bookingTx) SoftDeleteBookings(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `UPDATE bookings SET deleted_at = $1, updated_at = $1 WHERE deleted_at IS NULL AND id = ANY($2)`, at, ids)
	if err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}
