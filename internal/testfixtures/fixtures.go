package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/roombook/internal/persistence"
)

var (
	userCounter    uint64
	roomCounter    uint64
	bookingCounter uint64
)

// referenceTime is a Monday so weekly fixtures line up with calendar weeks.
var referenceTime = time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)

// ReferenceTime returns the canonical "now" used by fixtures and clocks.
func ReferenceTime() time.Time {
	return referenceTime
}

// At returns the reference day shifted by days, at hour:00 UTC.
func At(days, hour int) time.Time {
	y, m, d := referenceTime.Date()
	return time.Date(y, m, d+days, hour, 0, 0, 0, time.UTC)
}

// ----------------------------- User fixtures -----------------------------

// UserOption configures a generated user.
type UserOption func(*persistence.User)

// NewUser returns a deterministic active employee.
func NewUser(opts ...UserOption) persistence.User {
	idx := atomic.AddUint64(&userCounter, 1)
	id := fmt.Sprintf("user-%03d", idx)
	created := referenceTime.Add(-time.Duration(idx) * time.Hour)
	user := persistence.User{
		ID:        id,
		Email:     id + "@example.com",
		Name:      fmt.Sprintf("User %03d", idx),
		Role:      "employee",
		Active:    true,
		CreatedAt: created,
		UpdatedAt: created,
	}
	for _, opt := range opts {
		opt(&user)
	}
	return user
}

// WithUserID overrides the generated id.
func WithUserID(id string) UserOption {
	return func(u *persistence.User) { u.ID = id }
}

// WithUserEmail overrides the generated email.
func WithUserEmail(email string) UserOption {
	return func(u *persistence.User) { u.Email = email }
}

// WithUserName overrides the generated display name.
func WithUserName(name string) UserOption {
	return func(u *persistence.User) { u.Name = name }
}

// WithUserRole sets the role string.
func WithUserRole(role string) UserOption {
	return func(u *persistence.User) { u.Role = role }
}

// WithUserBlocked marks the user as blocked from booking.
func WithUserBlocked() UserOption {
	return func(u *persistence.User) { u.Blocked = true }
}

// WithUserInactive deactivates the user.
func WithUserInactive() UserOption {
	return func(u *persistence.User) { u.Active = false }
}

// ----------------------------- Room fixtures -----------------------------

// RoomOption configures a generated room.
type RoomOption func(*persistence.Room)

// NewRoom returns a deterministic room with capacity 8.
func NewRoom(opts ...RoomOption) persistence.Room {
	idx := atomic.AddUint64(&roomCounter, 1)
	created := referenceTime.Add(-time.Duration(idx) * time.Hour)
	room := persistence.Room{
		ID:        fmt.Sprintf("room-%03d", idx),
		Name:      fmt.Sprintf("Room %03d", idx),
		Capacity:  8,
		CreatedAt: created,
		UpdatedAt: created,
	}
	for _, opt := range opts {
		opt(&room)
	}
	return room
}

// WithRoomID overrides the generated id.
func WithRoomID(id string) RoomOption {
	return func(r *persistence.Room) { r.ID = id }
}

// WithRoomName overrides the generated name.
func WithRoomName(name string) RoomOption {
	return func(r *persistence.Room) { r.Name = name }
}

// WithRoomCapacity overrides the generated capacity.
func WithRoomCapacity(capacity int) RoomOption {
	return func(r *persistence.Room) { r.Capacity = capacity }
}

// --------------------------- Booking fixtures ----------------------------

// BookingOption configures a generated booking.
type BookingOption func(*persistence.Booking)

// NewBooking returns a standalone one-hour booking of user in room starting
// the day after the reference time at 10:00.
func NewBooking(userID, roomID string, opts ...BookingOption) persistence.Booking {
	idx := atomic.AddUint64(&bookingCounter, 1)
	booking := persistence.Booking{
		ID:        fmt.Sprintf("booking-%03d", idx),
		UserID:    userID,
		RoomID:    roomID,
		Start:     At(1, 10),
		End:       At(1, 11),
		CreatedAt: referenceTime,
		UpdatedAt: referenceTime,
	}
	for _, opt := range opts {
		opt(&booking)
	}
	return booking
}

// WithBookingID overrides the generated id.
func WithBookingID(id string) BookingOption {
	return func(b *persistence.Booking) { b.ID = id }
}

// WithBookingWindow sets the booked interval.
func WithBookingWindow(start, end time.Time) BookingOption {
	return func(b *persistence.Booking) {
		b.Start = start
		b.End = end
	}
}

// WithBookingSeries links the booking to a recurrence group.
func WithBookingSeries(groupID, rule string, until time.Time) BookingOption {
	return func(b *persistence.Booking) {
		b.RecurrenceGroupID = &groupID
		b.RecurrenceRule = &rule
		b.RecurrenceEndDate = &until
	}
}

// WithBookingSlackHandle sets the Slack message coordinates.
func WithBookingSlackHandle(channelID, ts string) BookingOption {
	return func(b *persistence.Booking) {
		b.SlackChannelID = &channelID
		b.SlackMessageTS = &ts
	}
}

// WithBookingDeletedAt tombstones the booking.
func WithBookingDeletedAt(at time.Time) BookingOption {
	return func(b *persistence.Booking) { b.DeletedAt = &at }
}
