package application

import (
	"time"

	"github.com/example/roombook/internal/notify"
	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/recurrence"
)

// CalendarCredentials are the delegated Google tokens forwarded by the login
// gateway. They are only used to mirror bookings into the user's calendar.
type CalendarCredentials struct {
	AccessToken  string
	RefreshToken string
}

// Principal represents the authenticated user invoking a service method.
type Principal struct {
	UserID   string
	Email    string
	Role     Role
	Calendar *CalendarCredentials
}

func (p Principal) notifyCredentials() *notify.Credentials {
	if p.Calendar == nil || p.Calendar.AccessToken == "" {
		return nil
	}
	return &notify.Credentials{AccessToken: p.Calendar.AccessToken, RefreshToken: p.Calendar.RefreshToken}
}

// User is an employee account.
type User struct {
	ID        string
	Email     string
	Name      string
	Role      Role
	Active    bool
	Blocked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Room is a bookable meeting room.
type Room struct {
	ID        string
	Name      string
	Capacity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Booking is one reserved interval as returned to callers. RoomName and
// UserName are filled in by queries for display.
type Booking struct {
	ID                string
	UserID            string
	UserName          string
	RoomID            string
	RoomName          string
	Start             time.Time
	End               time.Time
	RecurrenceRule    recurrence.Rule
	RecurrenceEndDate *time.Time
	RecurrenceGroupID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// CreateBookingParams wraps the data required to create a booking or series.
type CreateBookingParams struct {
	Principal Principal
	RoomID    string
	// UserID defaults to the principal.
	UserID            string
	Start             time.Time
	End               time.Time
	RecurrenceRule    string
	RecurrenceEndDate *time.Time
}

// CreateBookingResult reports the rows written by CreateBooking.
type CreateBookingResult struct {
	Message    string
	BookingIDs []string
	GroupID    string
}

// UpdateBookingParams wraps the data required to reschedule a booking.
type UpdateBookingParams struct {
	Principal     Principal
	BookingID     string
	RoomID        string
	Start         time.Time
	End           time.Time
	ApplyToSeries bool
}

// UpdateBookingResult reports how many occurrences moved.
type UpdateBookingResult struct {
	Message       string
	AffectedCount int
	BookingIDs    []string
}

// DeleteBookingParams identifies the booking, or series, to cancel.
type DeleteBookingParams struct {
	Principal Principal
	BookingID string
	Series    bool
}

// DeleteBookingResult reports how many rows were tombstoned.
type DeleteBookingResult struct {
	Message      string
	DeletedCount int
}

// ListMode selects the time filter applied by ListBookings.
type ListMode string

const (
	ListModeUpcoming ListMode = "upcoming"
	ListModeToday    ListMode = "today"
	ListModeRange    ListMode = "range"
	ListModeAll      ListMode = "all"
)

// PageSize is the number of bookings per ListBookings page.
const PageSize = 10

// ListBookingsParams wraps listing filters.
type ListBookingsParams struct {
	Principal Principal
	RoomID    string
	// UserID selects another user's bookings; requires CanViewAllBookings.
	UserID string
	// AllUsers lists every user's bookings; requires CanViewAllBookings.
	AllUsers bool
	Mode     ListMode
	From     *time.Time
	To       *time.Time
	Page     int
}

// RoomBookings is one room's slice of a listing page.
type RoomBookings struct {
	RoomID   string
	RoomName string
	Bookings []Booking
}

// ListBookingsResult is one page of bookings grouped by room.
type ListBookingsResult struct {
	Rooms      []RoomBookings
	Page       int
	TotalPages int
	Total      int
}

// RoomInput captures caller provided room fields.
type RoomInput struct {
	Name     string
	Capacity int
}

// CreateRoomParams wraps the data required to create a room.
type CreateRoomParams struct {
	Principal Principal
	Input     RoomInput
}

// UpdateRoomParams wraps the data required to update a room.
type UpdateRoomParams struct {
	Principal Principal
	RoomID    string
	Input     RoomInput
}

// UpdateUserAccessParams changes the access flags of a user. Nil fields are left unchanged.
type UpdateUserAccessParams struct {
	Principal Principal
	UserID    string
	Blocked   *bool
	Active    *bool
	Role      *string
}

// EnsureUserParams describes a user provisioned by the login gateway.
type EnsureUserParams struct {
	Email string
	Name  string
	Role  string
}

// SavePushSubscriptionParams registers a browser push endpoint for the principal.
type SavePushSubscriptionParams struct {
	Principal Principal
	Endpoint  string
	P256dh    string
	Auth      string
}

func userFromRecord(u persistence.User) User {
	role, err := ParseRole(u.Role)
	if err != nil {
		role = RoleEmployee
	}
	return User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      role,
		Active:    u.Active,
		Blocked:   u.Blocked,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func userToRecord(u User) persistence.User {
	return persistence.User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      string(u.Role),
		Active:    u.Active,
		Blocked:   u.Blocked,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func roomFromRecord(r persistence.Room) Room {
	return Room{ID: r.ID, Name: r.Name, Capacity: r.Capacity, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

func roomToRecord(r Room) persistence.Room {
	return persistence.Room{ID: r.ID, Name: r.Name, Capacity: r.Capacity, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

// bookingFromRecord converts a stored row and expresses its instants in loc,
// so the recurrence end date reads as the same calendar day on every backend.
func bookingFromRecord(b persistence.Booking, loc *time.Location) Booking {
	out := Booking{
		ID:                b.ID,
		UserID:            b.UserID,
		RoomID:            b.RoomID,
		Start:             b.Start.In(loc),
		End:               b.End.In(loc),
		RecurrenceGroupID: b.GroupID(),
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
		DeletedAt:         b.DeletedAt,
	}
	if b.RecurrenceEndDate != nil {
		until := b.RecurrenceEndDate.In(loc)
		out.RecurrenceEndDate = &until
	}
	if b.RecurrenceRule != nil {
		out.RecurrenceRule = recurrence.Rule(*b.RecurrenceRule)
	}
	return out
}
