package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Interval is a booked time range. Two intervals that merely touch are
// treated as overlapping, so back-to-back bookings are rejected.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether i and other share at least one instant, boundaries included.
func (i Interval) Overlaps(other Interval) bool {
	return !i.End.Before(other.Start) && !i.Start.After(other.End)
}

// Shift returns the interval moved by independent start and end deltas.
func (i Interval) Shift(startDelta, endDelta time.Duration) Interval {
	return Interval{Start: i.Start.Add(startDelta), End: i.End.Add(endDelta)}
}

// Booking is the minimal view of a reservation needed for conflict detection.
// RoomName is optional and only used to describe user conflicts.
type Booking struct {
	ID       string
	RoomID   string
	RoomName string
	UserID   string
	Interval
	Deleted bool
}

// ConflictType describes which invariant a candidate would break.
type ConflictType string

const (
	// ConflictTypeUser indicates the user is double-booked.
	ConflictTypeUser ConflictType = "user"
	// ConflictTypeRoom indicates a room is double-booked.
	ConflictTypeRoom ConflictType = "room"
)

// Conflict details an overlapping booking that blocks the candidate.
type Conflict struct {
	WithBookingID string
	Type          ConflictType
	Interval      Interval
}

// DetectConflicts identifies conflicts for the candidate against existing bookings.
// Tombstoned bookings, the candidate itself and any id listed in exclude are ignored.
// Room conflicts are reported before user conflicts.
func DetectConflicts(existing []Booking, candidate Booking, exclude ...string) []Conflict {
	var rooms, users []Conflict
	for _, b := range existing {
		if b.Deleted || b.ID == candidate.ID || slices.Contains(exclude, b.ID) {
			continue
		}
		if !b.Overlaps(candidate.Interval) {
			continue
		}
		if b.RoomID == candidate.RoomID {
			rooms = append(rooms, Conflict{WithBookingID: b.ID, Type: ConflictTypeRoom, Interval: b.Interval})
		}
		if b.UserID == candidate.UserID {
			users = append(users, Conflict{WithBookingID: b.ID, Type: ConflictTypeUser, Interval: b.Interval})
		}
	}
	return append(rooms, users...)
}

// OverlapFinder locates an active booking overlapping window. Implementations
// run inside the caller's write transaction so they observe rows inserted
// earlier in the same transaction.
type OverlapFinder interface {
	FindRoomOverlap(ctx context.Context, roomID string, window Interval, exclude []string) (Booking, bool, error)
	FindUserOverlap(ctx context.Context, userID string, window Interval, exclude []string) (Booking, bool, error)
}

// Candidate is a proposed booking checked by Checker.
type Candidate struct {
	RoomID   string
	RoomName string
	UserID   string
	UserName string
	Interval Interval
	// Exclude lists booking ids that must not count as conflicts, such as the
	// booking being rescheduled.
	Exclude []string
}

// ConflictError is returned when a candidate overlaps an existing booking.
// RoomID and RoomName describe the candidate; the Existing fields, Start and
// End describe the booking it clashes with.
type ConflictError struct {
	Type             ConflictType
	RoomID           string
	RoomName         string
	UserID           string
	UserName         string
	ExistingID       string
	ExistingRoomID   string
	ExistingRoomName string
	Start            time.Time
	End              time.Time

	Description string

	window string
}

// SetExistingRoomName records the name of the room the clashing booking is in
// and re-renders a user conflict's description with it.
func (e *ConflictError) SetExistingRoomName(name string) {
	e.ExistingRoomName = name
	e.Description = e.describe()
}

func (e *ConflictError) describe() string {
	switch {
	case e.Type == ConflictTypeRoom:
		return fmt.Sprintf("%s is already booked %s", e.RoomName, e.window)
	case e.ExistingRoomName != "":
		return fmt.Sprintf("%q already has a booking for room %q %s", e.UserName, e.ExistingRoomName, e.window)
	default:
		return fmt.Sprintf("%q already has a booking %s", e.UserName, e.window)
	}
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e == nil {
		return ""
	}
	return e.Description
}

// Checker runs the room and user overlap checks for a candidate.
type Checker struct {
	location *time.Location
}

// NewChecker returns a checker that renders conflict descriptions in loc.
func NewChecker(loc *time.Location) *Checker {
	if loc == nil {
		loc = time.UTC
	}
	return &Checker{location: loc}
}

// Check returns a *ConflictError for the first overlap found, checking the
// room before the user, or nil when the candidate is clear.
func (c *Checker) Check(ctx context.Context, finder OverlapFinder, cand Candidate) error {
	existing, found, err := finder.FindRoomOverlap(ctx, cand.RoomID, cand.Interval, cand.Exclude)
	if err != nil {
		return fmt.Errorf("room overlap query: %w", err)
	}
	if found {
		return c.conflict(ConflictTypeRoom, cand, existing)
	}

	existing, found, err = finder.FindUserOverlap(ctx, cand.UserID, cand.Interval, cand.Exclude)
	if err != nil {
		return fmt.Errorf("user overlap query: %w", err)
	}
	if found {
		return c.conflict(ConflictTypeUser, cand, existing)
	}
	return nil
}

// CheckAgainst reports overlaps among a batch of candidates that will be
// written together, using the same boundary rules as Check.
func (c *Checker) CheckAgainst(batch []Candidate) error {
	for i := range batch {
		for j := i + 1; j < len(batch); j++ {
			a, b := batch[i], batch[j]
			if !a.Interval.Overlaps(b.Interval) {
				continue
			}
			other := Booking{Interval: a.Interval, RoomID: a.RoomID, RoomName: a.RoomName, UserID: a.UserID}
			switch {
			case a.RoomID == b.RoomID:
				return c.conflict(ConflictTypeRoom, b, other)
			case a.UserID == b.UserID:
				return c.conflict(ConflictTypeUser, b, other)
			}
		}
	}
	return nil
}

func (c *Checker) conflict(kind ConflictType, cand Candidate, existing Booking) *ConflictError {
	start := existing.Start.In(c.location)
	end := existing.End.In(c.location)

	existingRoom := existing.RoomName
	if existingRoom == "" && existing.RoomID == cand.RoomID {
		existingRoom = cand.RoomName
	}

	e := &ConflictError{
		Type:             kind,
		RoomID:           cand.RoomID,
		RoomName:         cand.RoomName,
		UserID:           cand.UserID,
		UserName:         cand.UserName,
		ExistingID:       existing.ID,
		ExistingRoomID:   existing.RoomID,
		ExistingRoomName: existingRoom,
		Start:            existing.Start,
		End:              existing.End,
		window:           fmt.Sprintf("from %s to %s on %s", start.Format("15:04"), end.Format("15:04"), start.Format("Mon Jan 02 2006")),
	}
	e.Description = e.describe()
	return e
}
