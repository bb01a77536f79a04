package persistence

import (
	"context"
	"time"
)

// UserRepository exposes CRUD operations for users.
type UserRepository interface {
	CreateUser(ctx context.Context, user User) error
	UpdateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// RoomRepository exposes CRUD operations for rooms. Rooms are never deleted.
type RoomRepository interface {
	CreateRoom(ctx context.Context, room Room) error
	UpdateRoom(ctx context.Context, room Room) error
	GetRoom(ctx context.Context, id string) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
}

// TimeRange is a closed window used by booking filters.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// BookingFilter narrows booking queries. Tombstoned rows are always excluded.
type BookingFilter struct {
	UserID string
	RoomID string
	// StartAfter keeps bookings starting strictly after the instant.
	StartAfter *time.Time
	// StartWithin keeps bookings with From <= start < To.
	StartWithin *TimeRange
	// Overlapping keeps bookings sharing any instant with the window, boundaries included.
	Overlapping   *TimeRange
	RecurringOnly bool
	Limit         int
	Offset        int
}

// BookingRepository exposes reads and notification bookkeeping outside the
// booking write transaction.
type BookingRepository interface {
	// GetBooking returns the booking even when it has been tombstoned.
	GetBooking(ctx context.Context, id string) (Booking, error)
	// ListBookings returns active bookings ordered by start descending.
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
	CountBookings(ctx context.Context, filter BookingFilter) (int, error)
	AttachSlackHandle(ctx context.Context, bookingIDs []string, channelID, messageTS string) error
	AttachCalendarEvent(ctx context.Context, bookingID, eventID string) error
}

// PushSubscriptionRepository stores browser push endpoints.
type PushSubscriptionRepository interface {
	// SavePushSubscription inserts or replaces the subscription keyed by endpoint.
	SavePushSubscription(ctx context.Context, sub PushSubscription) error
	LatestPushSubscription(ctx context.Context, userID string) (PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// BookingTx is the unit of work used by booking mutations. Every method runs
// inside one database transaction.
type BookingTx interface {
	// LockRoom takes the room's write lock for the rest of the transaction
	// and returns the room, or ErrNotFound.
	LockRoom(ctx context.Context, roomID string) (Room, error)
	// LockUser serialises bookings made for the same user and returns the
	// user, or ErrNotFound.
	LockUser(ctx context.Context, userID string) (User, error)
	// GetActiveBooking returns ErrNotFound for missing or tombstoned bookings.
	GetActiveBooking(ctx context.Context, id string) (Booking, error)
	// ListGroup returns the active bookings of a recurrence group ordered by start.
	ListGroup(ctx context.Context, groupID string) ([]Booking, error)
	FindRoomOverlap(ctx context.Context, roomID string, from, to time.Time, exclude []string) (Booking, bool, error)
	FindUserOverlap(ctx context.Context, userID string, from, to time.Time, exclude []string) (Booking, bool, error)
	InsertBooking(ctx context.Context, booking Booking) error
	UpdateBooking(ctx context.Context, booking Booking) error
	SoftDeleteBookings(ctx context.Context, ids []string, at time.Time) (int, error)
}

// Transactor runs fn inside a transaction, committing when fn returns nil
// and rolling back otherwise.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error
}

// Store is the full persistence surface implemented by every backend.
type Store interface {
	UserRepository
	RoomRepository
	BookingRepository
	PushSubscriptionRepository
	Transactor
	Migrate(ctx context.Context) error
	Close() error
}
