package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/example/roombook/internal/persistence"
)

// ListBookings returns one page of active bookings grouped by room. Employees
// only see their own bookings.
func (s *BookingService) ListBookings(ctx context.Context, params ListBookingsParams) (result ListBookingsResult, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}

	principal := params.Principal
	logger := s.loggerWith(ctx, "ListBookings",
		"principal_id", principal.UserID,
		"mode", string(params.Mode),
		"page", params.Page,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to list bookings", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("result_count", result.Total).DebugContext(ctx, "bookings listed")
	}()

	filter := persistence.BookingFilter{RoomID: strings.TrimSpace(params.RoomID)}
	switch target := strings.TrimSpace(params.UserID); {
	case params.AllUsers:
		if !principal.Role.CanViewAllBookings() {
			err = ErrForbidden
			return
		}
		filter.UserID = target
	case target != "" && target != principal.UserID:
		if !principal.Role.CanViewAllBookings() {
			err = ErrForbidden
			return
		}
		filter.UserID = target
	default:
		filter.UserID = principal.UserID
	}

	if err = s.applyMode(&filter, params); err != nil {
		return
	}

	page := params.Page
	if page < 1 {
		page = 1
	}

	var total int
	total, err = s.store.CountBookings(ctx, filter)
	if err != nil {
		return
	}

	filter.Limit = PageSize
	filter.Offset = (page - 1) * PageSize
	var records []persistence.Booking
	records, err = s.store.ListBookings(ctx, filter)
	if err != nil {
		return
	}

	var bookings []Booking
	bookings, err = s.decorate(ctx, records)
	if err != nil {
		return
	}

	result = ListBookingsResult{
		Rooms:      groupByRoom(bookings),
		Page:       page,
		TotalPages: (total + PageSize - 1) / PageSize,
		Total:      total,
	}
	return
}

// GlobalCalendar returns every active booking overlapping [from, to],
// boundaries included, ordered by start.
func (s *BookingService) GlobalCalendar(ctx context.Context, principal Principal, from, to time.Time) ([]Booking, error) {
	if s == nil {
		return nil, fmt.Errorf("BookingService is nil")
	}
	vErr := validateWindow(from, to)
	if vErr.HasErrors() {
		return nil, vErr
	}

	records, err := s.store.ListBookings(ctx, persistence.BookingFilter{
		Overlapping: &persistence.TimeRange{From: from, To: to},
	})
	if err != nil {
		s.loggerWith(ctx, "GlobalCalendar", "principal_id", principal.UserID).
			ErrorContext(ctx, "failed to load calendar", "error", err, "error_kind", ErrorKind(err))
		return nil, err
	}
	slices.Reverse(records)
	return s.decorate(ctx, records)
}

// RoomAvailability returns the room's active bookings on the calendar day of
// day in the service location, ordered by start.
func (s *BookingService) RoomAvailability(ctx context.Context, principal Principal, roomID string, day time.Time) ([]Booking, error) {
	if s == nil {
		return nil, fmt.Errorf("BookingService is nil")
	}
	if strings.TrimSpace(roomID) == "" {
		return nil, newValidationError("room_id", "room id is required")
	}
	if day.IsZero() {
		return nil, newValidationError("date", "date is required")
	}
	if _, err := s.directory.Room(ctx, roomID); err != nil {
		return nil, err
	}

	start, end := s.dayBounds(day)
	records, err := s.store.ListBookings(ctx, persistence.BookingFilter{
		RoomID:      roomID,
		Overlapping: &persistence.TimeRange{From: start, To: end.Add(-time.Nanosecond)},
	})
	if err != nil {
		s.loggerWith(ctx, "RoomAvailability", "principal_id", principal.UserID, "room_id", roomID).
			ErrorContext(ctx, "failed to load availability", "error", err, "error_kind", ErrorKind(err))
		return nil, err
	}
	slices.Reverse(records)
	return s.decorate(ctx, records)
}

// GetBooking returns a booking including tombstoned rows. Bookings of other
// users are only visible to roles that can view all bookings.
func (s *BookingService) GetBooking(ctx context.Context, principal Principal, id string) (Booking, error) {
	if s == nil {
		return Booking{}, fmt.Errorf("BookingService is nil")
	}
	record, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return Booking{}, mapBookingRepoError(err)
	}
	if record.UserID != principal.UserID && !principal.Role.CanViewAllBookings() {
		return Booking{}, ErrNotFound
	}
	out, err := s.decorate(ctx, []persistence.Booking{record})
	if err != nil {
		return Booking{}, err
	}
	return out[0], nil
}

func (s *BookingService) applyMode(filter *persistence.BookingFilter, params ListBookingsParams) error {
	now := s.now()
	switch ListMode(strings.ToLower(string(params.Mode))) {
	case "", ListModeUpcoming:
		filter.StartAfter = &now
	case ListModeToday:
		start, end := s.dayBounds(now)
		filter.StartWithin = &persistence.TimeRange{From: start, To: end}
	case ListModeRange:
		vErr := &ValidationError{}
		if params.From == nil || params.From.IsZero() {
			vErr.add("from", "from is required for range listings")
		}
		if params.To == nil || params.To.IsZero() {
			vErr.add("to", "to is required for range listings")
		}
		if vErr.HasErrors() {
			return vErr
		}
		if vErr = validateWindow(*params.From, *params.To); vErr.HasErrors() {
			return vErr
		}
		filter.Overlapping = &persistence.TimeRange{From: *params.From, To: *params.To}
	case ListModeAll:
	default:
		return newValidationError("mode", "mode must be one of today, upcoming, range or all")
	}
	return nil
}

// dayBounds returns local midnight of t's calendar day and the following midnight.
func (s *BookingService) dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.In(s.location).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, s.location)
	return start, time.Date(y, m, d+1, 0, 0, 0, 0, s.location)
}

// decorate converts records and fills in room and user names. Rooms or users
// that no longer resolve keep an empty name.
func (s *BookingService) decorate(ctx context.Context, records []persistence.Booking) ([]Booking, error) {
	out := make([]Booking, 0, len(records))
	for _, record := range records {
		b := bookingFromRecord(record, s.location)
		room, err := s.directory.Room(ctx, b.RoomID)
		switch {
		case err == nil:
			b.RoomName = room.Name
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		user, err := s.directory.User(ctx, b.UserID)
		switch {
		case err == nil:
			b.UserName = user.Name
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// groupByRoom keeps the incoming order within each room and orders rooms by
// first appearance.
func groupByRoom(bookings []Booking) []RoomBookings {
	index := make(map[string]int)
	var groups []RoomBookings
	for _, b := range bookings {
		i, ok := index[b.RoomID]
		if !ok {
			i = len(groups)
			index[b.RoomID] = i
			groups = append(groups, RoomBookings{RoomID: b.RoomID, RoomName: b.RoomName})
		}
		groups[i].Bookings = append(groups[i].Bookings, b)
	}
	return groups
}

func validateWindow(from, to time.Time) *ValidationError {
	vErr := &ValidationError{}
	if from.IsZero() {
		vErr.add("from", "from is required")
	}
	if to.IsZero() {
		vErr.add("to", "to is required")
	}
	if !vErr.HasErrors() && to.Before(from) {
		vErr.add("to", "to must not precede from")
	}
	return vErr
}
