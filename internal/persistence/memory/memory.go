// Package memory provides an in-process persistence.Store used by tests and
// single-node development setups.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/roombook/internal/persistence"
)

var _ persistence.Store = (*Storage)(nil)

// Storage keeps every table in maps guarded by a RWMutex. Transactions are
// serialised by txMu and work on a copy of the bookings table that replaces
// the committed one only when the callback succeeds.
type Storage struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	users    map[string]persistence.User
	rooms    map[string]persistence.Room
	bookings map[string]persistence.Booking
	pushSubs map[string]persistence.PushSubscription
}

// Open returns an empty Storage.
func Open() *Storage {
	return &Storage{
		users:    make(map[string]persistence.User),
		rooms:    make(map[string]persistence.Room),
		bookings: make(map[string]persistence.Booking),
		pushSubs: make(map[string]persistence.PushSubscription),
	}
}

// Close releases resources held by the storage. No-op for the in-memory implementation.
func (s *Storage) Close() error {
	return nil
}

// Migrate initialises the storage. No-op for the in-memory implementation.
func (s *Storage) Migrate(context.Context) error {
	return nil
}

// --- UserRepository implementation ---

// CreateUser stores a new user.
func (s *Storage) CreateUser(_ context.Context, user persistence.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("memory: user %s: %w", user.ID, persistence.ErrDuplicate)
	}
	if err := s.ensureUniqueEmailLocked(user.ID, user.Email); err != nil {
		return err
	}
	s.users[user.ID] = user
	return nil
}

// UpdateUser updates an existing user.
func (s *Storage) UpdateUser(_ context.Context, user persistence.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return persistence.ErrNotFound
	}
	if err := s.ensureUniqueEmailLocked(user.ID, user.Email); err != nil {
		return err
	}
	s.users[user.ID] = user
	return nil
}

// GetUser retrieves a user by ID.
func (s *Storage) GetUser(_ context.Context, id string) (persistence.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return persistence.User{}, persistence.ErrNotFound
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email address, ignoring case.
func (s *Storage) GetUserByEmail(_ context.Context, email string) (persistence.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return persistence.User{}, persistence.ErrNotFound
}

// ListUsers returns all users ordered by name.
func (s *Storage) ListUsers(context.Context) ([]persistence.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := slices.Collect(maps.Values(s.users))
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name == users[j].Name {
			return users[i].ID < users[j].ID
		}
		return users[i].Name < users[j].Name
	})
	return users, nil
}

func (s *Storage) ensureUniqueEmailLocked(id, email string) error {
	for existingID, user := range s.users {
		if existingID != id && strings.EqualFold(user.Email, email) {
			return fmt.Errorf("memory: email %s: %w", email, persistence.ErrDuplicate)
		}
	}
	return nil
}

// --- RoomRepository implementation ---

// CreateRoom stores a new meeting room.
func (s *Storage) CreateRoom(_ context.Context, room persistence.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; ok {
		return fmt.Errorf("memory: room %s: %w", room.ID, persistence.ErrDuplicate)
	}
	s.rooms[room.ID] = room
	return nil
}

// UpdateRoom updates an existing meeting room.
func (s *Storage) UpdateRoom(_ context.Context, room persistence.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; !ok {
		return persistence.ErrNotFound
	}
	s.rooms[room.ID] = room
	return nil
}

// GetRoom retrieves a room by ID.
func (s *Storage) GetRoom(_ context.Context, id string) (persistence.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return persistence.Room{}, persistence.ErrNotFound
	}
	return room, nil
}

// ListRooms returns all rooms ordered by name.
func (s *Storage) ListRooms(context.Context) ([]persistence.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := slices.Collect(maps.Values(s.rooms))
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Name == rooms[j].Name {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].Name < rooms[j].Name
	})
	return rooms, nil
}

// --- BookingRepository implementation ---

// GetBooking retrieves a booking by ID including tombstoned rows.
func (s *Storage) GetBooking(_ context.Context, id string) (persistence.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	booking, ok := s.bookings[id]
	if !ok {
		return persistence.Booking{}, persistence.ErrNotFound
	}
	return cloneBooking(booking), nil
}

// ListBookings returns active bookings matching filter ordered by start descending.
func (s *Storage) ListBookings(_ context.Context, filter persistence.BookingFilter) ([]persistence.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchLocked(filter)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Start.Equal(matched[j].Start) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Start.After(matched[j].Start)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// CountBookings returns the number of active bookings matching filter, ignoring paging.
func (s *Storage) CountBookings(_ context.Context, filter persistence.BookingFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.matchLocked(filter)), nil
}

// AttachSlackHandle records the Slack message that announced the bookings.
func (s *Storage) AttachSlackHandle(_ context.Context, bookingIDs []string, channelID, messageTS string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range bookingIDs {
		booking, ok := s.bookings[id]
		if !ok {
			continue
		}
		booking.SlackChannelID = &channelID
		booking.SlackMessageTS = &messageTS
		s.bookings[id] = booking
	}
	return nil
}

// AttachCalendarEvent records the calendar event created for the booking.
func (s *Storage) AttachCalendarEvent(_ context.Context, bookingID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	booking, ok := s.bookings[bookingID]
	if !ok {
		return persistence.ErrNotFound
	}
	booking.CalendarEventID = &eventID
	s.bookings[bookingID] = booking
	return nil
}

func (s *Storage) matchLocked(filter persistence.BookingFilter) []persistence.Booking {
	matched := make([]persistence.Booking, 0)
	for _, booking := range s.bookings {
		if matchesBookingFilter(booking, filter) {
			matched = append(matched, cloneBooking(booking))
		}
	}
	return matched
}

// --- PushSubscriptionRepository implementation ---

// SavePushSubscription inserts or replaces the subscription keyed by endpoint.
func (s *Storage) SavePushSubscription(_ context.Context, sub persistence.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pushSubs[sub.Endpoint]; ok {
		sub.ID = existing.ID
	}
	s.pushSubs[sub.Endpoint] = sub
	return nil
}

// LatestPushSubscription returns the most recently registered subscription of the user.
func (s *Storage) LatestPushSubscription(_ context.Context, userID string) (persistence.PushSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest persistence.PushSubscription
		found  bool
	)
	for _, sub := range s.pushSubs {
		if sub.UserID != userID {
			continue
		}
		if !found || sub.CreatedAt.After(latest.CreatedAt) {
			latest, found = sub, true
		}
	}
	if !found {
		return persistence.PushSubscription{}, persistence.ErrNotFound
	}
	return latest, nil
}

// DeletePushSubscription removes the subscription registered for endpoint.
func (s *Storage) DeletePushSubscription(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pushSubs[endpoint]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.pushSubs, endpoint)
	return nil
}

// --- Transactor implementation ---

// WithinTx runs fn against a private copy of the bookings table and publishes
// the copy only when fn succeeds.
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.BookingTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := &tx{
		storage:  s,
		bookings: make(map[string]persistence.Booking, len(s.bookings)),
	}
	for id, booking := range s.bookings {
		work.bookings[id] = cloneBooking(booking)
	}
	s.mu.RUnlock()

	if err := fn(ctx, work); err != nil {
		return err
	}

	s.mu.Lock()
	// Handles attached by notification workers while the transaction ran
	// must survive the swap.
	for id, committed := range s.bookings {
		if pending, ok := work.bookings[id]; ok {
			if pending.SlackMessageTS == nil {
				pending.SlackChannelID, pending.SlackMessageTS = committed.SlackChannelID, committed.SlackMessageTS
			}
			if pending.CalendarEventID == nil {
				pending.CalendarEventID = committed.CalendarEventID
			}
			work.bookings[id] = pending
		}
	}
	s.bookings = work.bookings
	s.mu.Unlock()
	return nil
}

type tx struct {
	storage  *Storage
	bookings map[string]persistence.Booking
}

func (t *tx) LockRoom(ctx context.Context, roomID string) (persistence.Room, error) {
	return t.storage.GetRoom(ctx, roomID)
}

func (t *tx) LockUser(ctx context.Context, userID string) (persistence.User, error) {
	return t.storage.GetUser(ctx, userID)
}

func (t *tx) GetActiveBooking(_ context.Context, id string) (persistence.Booking, error) {
	booking, ok := t.bookings[id]
	if !ok || !booking.Active() {
		return persistence.Booking{}, persistence.ErrNotFound
	}
	return cloneBooking(booking), nil
}

func (t *tx) ListGroup(_ context.Context, groupID string) ([]persistence.Booking, error) {
	group := make([]persistence.Booking, 0)
	for _, booking := range t.bookings {
		if booking.Active() && booking.GroupID() == groupID {
			group = append(group, cloneBooking(booking))
		}
	}
	sort.Slice(group, func(i, j int) bool {
		return group[i].Start.Before(group[j].Start)
	})
	return group, nil
}

func (t *tx) FindRoomOverlap(_ context.Context, roomID string, from, to time.Time, exclude []string) (persistence.Booking, bool, error) {
	return t.findOverlap(func(b persistence.Booking) bool { return b.RoomID == roomID }, from, to, exclude)
}

func (t *tx) FindUserOverlap(_ context.Context, userID string, from, to time.Time, exclude []string) (persistence.Booking, bool, error) {
	return t.findOverlap(func(b persistence.Booking) bool { return b.UserID == userID }, from, to, exclude)
}

func (t *tx) findOverlap(match func(persistence.Booking) bool, from, to time.Time, exclude []string) (persistence.Booking, bool, error) {
	var (
		first persistence.Booking
		found bool
	)
	for _, booking := range t.bookings {
		if !booking.Active() || !match(booking) || slices.Contains(exclude, booking.ID) {
			continue
		}
		if booking.End.Before(from) || booking.Start.After(to) {
			continue
		}
		if !found || booking.Start.Before(first.Start) {
			first, found = booking, true
		}
	}
	return cloneBooking(first), found, nil
}

func (t *tx) InsertBooking(_ context.Context, booking persistence.Booking) error {
	if _, ok := t.bookings[booking.ID]; ok {
		return fmt.Errorf("memory: booking %s: %w", booking.ID, persistence.ErrDuplicate)
	}
	if !booking.End.After(booking.Start) {
		return persistence.ErrConstraintViolation
	}
	t.storage.mu.RLock()
	_, roomOK := t.storage.rooms[booking.RoomID]
	_, userOK := t.storage.users[booking.UserID]
	t.storage.mu.RUnlock()
	if !roomOK || !userOK {
		return persistence.ErrForeignKeyViolation
	}
	t.bookings[booking.ID] = cloneBooking(booking)
	return nil
}

func (t *tx) UpdateBooking(_ context.Context, booking persistence.Booking) error {
	existing, ok := t.bookings[booking.ID]
	if !ok || !existing.Active() {
		return persistence.ErrNotFound
	}
	if !booking.End.After(booking.Start) {
		return persistence.ErrConstraintViolation
	}
	booking.CreatedAt = existing.CreatedAt
	t.bookings[booking.ID] = cloneBooking(booking)
	return nil
}

func (t *tx) SoftDeleteBookings(_ context.Context, ids []string, at time.Time) (int, error) {
	count := 0
	for _, id := range ids {
		booking, ok := t.bookings[id]
		if !ok || !booking.Active() {
			continue
		}
		deletedAt := at
		booking.DeletedAt = &deletedAt
		booking.UpdatedAt = at
		t.bookings[id] = booking
		count++
	}
	return count, nil
}

func matchesBookingFilter(b persistence.Booking, f persistence.BookingFilter) bool {
	if !b.Active() {
		return false
	}
	if f.UserID != "" && b.UserID != f.UserID {
		return false
	}
	if f.RoomID != "" && b.RoomID != f.RoomID {
		return false
	}
	if f.RecurringOnly && b.GroupID() == "" {
		return false
	}
	if f.StartAfter != nil && !b.Start.After(*f.StartAfter) {
		return false
	}
	if w := f.StartWithin; w != nil && (b.Start.Before(w.From) || !b.Start.Before(w.To)) {
		return false
	}
	if w := f.Overlapping; w != nil && (b.End.Before(w.From) || b.Start.After(w.To)) {
		return false
	}
	return true
}

func cloneBooking(b persistence.Booking) persistence.Booking {
	b.RecurrenceRule = cloneString(b.RecurrenceRule)
	b.RecurrenceGroupID = cloneString(b.RecurrenceGroupID)
	b.SlackChannelID = cloneString(b.SlackChannelID)
	b.SlackMessageTS = cloneString(b.SlackMessageTS)
	b.CalendarEventID = cloneString(b.CalendarEventID)
	b.RecurrenceEndDate = cloneTime(b.RecurrenceEndDate)
	b.DeletedAt = cloneTime(b.DeletedAt)
	return b
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	copy := *v
	return &copy
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	copy := *v
	return &copy
}
