package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/example/roombook/internal/notify"
	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/recurrence"
	"github.com/example/roombook/internal/scheduler"
	"github.com/example/roombook/internal/testfixtures"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) ofKind(kind notify.Kind) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, e := range p.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

type bookingHarness struct {
	store   persistence.Store
	clock   *testfixtures.Clock
	pub     *recordingPublisher
	dir     *Directory
	svc     *BookingService
	owner   persistence.User
	other   persistence.User
	blocked persistence.User
	manager persistence.User
	admin   persistence.User
	board   persistence.Room
	focus   persistence.Room
}

func newBookingHarness(t *testing.T, factory testfixtures.StoreFactory) *bookingHarness {
	t.Helper()
	return newBookingHarnessIn(t, factory, time.UTC)
}

func newBookingHarnessIn(t *testing.T, factory testfixtures.StoreFactory, loc *time.Location) *bookingHarness {
	t.Helper()

	h := &bookingHarness{
		store:   factory(t),
		clock:   testfixtures.NewClock(time.Time{}),
		pub:     &recordingPublisher{},
		owner:   testfixtures.NewUser(testfixtures.WithUserName("Asha")),
		other:   testfixtures.NewUser(testfixtures.WithUserName("Ben")),
		blocked: testfixtures.NewUser(testfixtures.WithUserName("Cai"), testfixtures.WithUserBlocked()),
		manager: testfixtures.NewUser(testfixtures.WithUserName("Dana"), testfixtures.WithUserRole("manager")),
		admin:   testfixtures.NewUser(testfixtures.WithUserName("Eli"), testfixtures.WithUserRole("super_admin")),
		board:   testfixtures.NewRoom(testfixtures.WithRoomName("Board Room")),
		focus:   testfixtures.NewRoom(testfixtures.WithRoomName("Focus Room")),
	}
	testfixtures.Seed(t, h.store,
		[]persistence.User{h.owner, h.other, h.blocked, h.manager, h.admin},
		[]persistence.Room{h.board, h.focus},
	)

	h.dir = NewDirectory(h.store, 64, time.Minute)
	h.svc = NewBookingService(BookingServiceConfig{
		Store:          h.store,
		Directory:      h.dir,
		Publisher:      h.pub,
		Location:       loc,
		OversightEmail: "oversight@example.com",
		IDGenerator:    testfixtures.NewIDGenerator("bk").NextFunc(),
		EventID:        testfixtures.NewIDGenerator("evt").NextFunc(),
		Now:            h.clock.NowFunc(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *bookingHarness) principal(u persistence.User) Principal {
	role, _ := ParseRole(u.Role)
	return Principal{UserID: u.ID, Email: u.Email, Role: role}
}

func (h *bookingHarness) mustCreate(t *testing.T, params CreateBookingParams) CreateBookingResult {
	t.Helper()
	result, err := h.svc.CreateBooking(context.Background(), params)
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	return result
}

func (h *bookingHarness) weekly(t *testing.T, start time.Time, until time.Time) CreateBookingResult {
	t.Helper()
	return h.mustCreate(t, CreateBookingParams{
		Principal:         h.principal(h.owner),
		RoomID:            h.board.ID,
		Start:             start,
		End:               start.Add(time.Hour),
		RecurrenceRule:    "WEEKLY",
		RecurrenceEndDate: &until,
	})
}

func (h *bookingHarness) booking(t *testing.T, id string) persistence.Booking {
	t.Helper()
	b, err := h.store.GetBooking(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBooking(%s): %v", id, err)
	}
	return b
}

func day(d, hour int) time.Time {
	return time.Date(2024, time.January, d, hour, 0, 0, 0, time.UTC)
}

func forEachStore(t *testing.T, fn func(t *testing.T, h *bookingHarness)) {
	for name, factory := range testfixtures.Stores() {
		t.Run(name, func(t *testing.T) {
			fn(t, newBookingHarness(t, factory))
		})
	}
}

func TestBookingService_CreateSingle(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		result := h.mustCreate(t, CreateBookingParams{
			Principal: h.principal(h.owner),
			RoomID:    h.board.ID,
			Start:     day(2, 10),
			End:       day(2, 11),
		})

		if result.Message != "Booking created successfully" {
			t.Fatalf("unexpected message %q", result.Message)
		}
		if len(result.BookingIDs) != 1 || result.GroupID != "" {
			t.Fatalf("expected one standalone booking, got %+v", result)
		}

		stored := h.booking(t, result.BookingIDs[0])
		if stored.UserID != h.owner.ID || stored.RoomID != h.board.ID || !stored.Start.Equal(day(2, 10)) {
			t.Fatalf("unexpected stored booking %+v", stored)
		}
		if stored.RecurrenceGroupID != nil || stored.RecurrenceRule != nil {
			t.Fatalf("standalone booking must not carry recurrence fields")
		}

		created := h.pub.ofKind(notify.KindBookingCreated)
		if len(created) != 1 || created[0].RoomName != "Board Room" || created[0].UserName != "Asha" {
			t.Fatalf("unexpected created events %+v", created)
		}
		push := h.pub.ofKind(notify.KindPushOversight)
		if len(push) != 1 || push[0].RecipientEmail != "oversight@example.com" {
			t.Fatalf("expected one oversight push, got %+v", push)
		}
		if got := h.pub.ofKind(notify.KindCalendarSync); len(got) != 0 {
			t.Fatalf("calendar sync requires credentials, got %d events", len(got))
		}
	})
}

func TestBookingService_CreateWeeklySeries(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		until := time.Date(2024, time.January, 22, 0, 0, 0, 0, time.UTC)
		principal := h.principal(h.owner)
		principal.Calendar = &CalendarCredentials{AccessToken: "ya29.token"}

		result := h.mustCreate(t, CreateBookingParams{
			Principal:         principal,
			RoomID:            h.board.ID,
			Start:             day(1, 10),
			End:               day(1, 11),
			RecurrenceRule:    "weekly",
			RecurrenceEndDate: &until,
		})

		if len(result.BookingIDs) != 4 || result.GroupID == "" {
			t.Fatalf("expected four grouped occurrences, got %+v", result)
		}
		for i, want := range []int{1, 8, 15, 22} {
			b := h.booking(t, result.BookingIDs[i])
			if !b.Start.Equal(day(want, 10)) || !b.End.Equal(day(want, 11)) {
				t.Fatalf("occurrence %d = %s-%s, want Jan %d 10:00-11:00", i, b.Start, b.End, want)
			}
			if b.GroupID() != result.GroupID || b.RecurrenceRule == nil || *b.RecurrenceRule != "WEEKLY" {
				t.Fatalf("occurrence %d does not share the series fields: %+v", i, b)
			}
		}

		created := h.pub.ofKind(notify.KindBookingCreated)
		if len(created) != 1 || len(created[0].BookingIDs) != 4 || created[0].GroupID != result.GroupID {
			t.Fatalf("expected one created event for the group, got %+v", created)
		}
		if got := h.pub.ofKind(notify.KindCalendarSync); len(got) != 4 {
			t.Fatalf("expected one calendar sync per occurrence, got %d", len(got))
		}
	})
}

func TestBookingService_SeriesEndDateKeepsLocalDay(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	for name, factory := range testfixtures.Stores() {
		t.Run(name, func(t *testing.T) {
			h := newBookingHarnessIn(t, factory, kolkata)
			start := time.Date(2024, time.January, 2, 10, 0, 0, 0, kolkata)
			until := time.Date(2024, time.January, 23, 0, 0, 0, 0, kolkata)

			result := h.weekly(t, start, until)
			if len(result.BookingIDs) != 4 {
				t.Fatalf("expected four occurrences through Jan 23, got %d", len(result.BookingIDs))
			}

			got, err := h.svc.GetBooking(context.Background(), h.principal(h.owner), result.BookingIDs[0])
			if err != nil {
				t.Fatalf("GetBooking: %v", err)
			}
			if got.RecurrenceEndDate == nil {
				t.Fatal("expected a recurrence end date")
			}
			if day := got.RecurrenceEndDate.Format(time.DateOnly); day != "2024-01-23" {
				t.Fatalf("recurrence end date = %s, want 2024-01-23", day)
			}
			if got.Start.Location() != kolkata || got.Start.Hour() != 10 {
				t.Fatalf("start = %s, want 10:00 in Asia/Kolkata", got.Start)
			}
		})
	}
}

func TestBookingService_BoundaryConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		h.mustCreate(t, CreateBookingParams{
			Principal: h.principal(h.owner),
			RoomID:    h.board.ID,
			Start:     day(2, 10),
			End:       day(2, 11),
		})

		t.Run("back to back in the same room", func(t *testing.T) {
			_, err := h.svc.CreateBooking(context.Background(), CreateBookingParams{
				Principal: h.principal(h.other),
				RoomID:    h.board.ID,
				Start:     day(2, 11),
				End:       day(2, 12),
			})
			var conflict *scheduler.ConflictError
			if !errors.As(err, &conflict) || conflict.Type != scheduler.ConflictTypeRoom {
				t.Fatalf("expected room conflict, got %v", err)
			}
			want := "Board Room is already booked from 10:00 to 11:00 on Tue Jan 02 2024"
			if conflict.Error() != want {
				t.Fatalf("description = %q, want %q", conflict.Error(), want)
			}
		})

		t.Run("same user in another room", func(t *testing.T) {
			_, err := h.svc.CreateBooking(context.Background(), CreateBookingParams{
				Principal: h.principal(h.owner),
				RoomID:    h.focus.ID,
				Start:     day(2, 9),
				End:       day(2, 10),
			})
			var conflict *scheduler.ConflictError
			if !errors.As(err, &conflict) || conflict.Type != scheduler.ConflictTypeUser {
				t.Fatalf("expected user conflict, got %v", err)
			}
			want := `"Asha" already has a booking for room "Board Room" from 10:00 to 11:00 on Tue Jan 02 2024`
			if conflict.Error() != want {
				t.Fatalf("description = %q, want %q", conflict.Error(), want)
			}
			if conflict.RoomName != "Focus Room" || conflict.ExistingRoomName != "Board Room" {
				t.Fatalf("unexpected rooms on conflict %+v", conflict)
			}
		})

		t.Run("other user in another room", func(t *testing.T) {
			h.mustCreate(t, CreateBookingParams{
				Principal: h.principal(h.other),
				RoomID:    h.focus.ID,
				Start:     day(2, 10),
				End:       day(2, 11),
			})
		})
	})
}

func TestBookingService_RecurringCreateIsAllOrNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		testfixtures.InsertBookings(t, h.store,
			testfixtures.NewBooking(h.other.ID, h.board.ID, testfixtures.WithBookingWindow(day(15, 10), day(15, 11))),
		)
		until := day(22, 0)

		_, err := h.svc.CreateBooking(context.Background(), CreateBookingParams{
			Principal:         h.principal(h.owner),
			RoomID:            h.board.ID,
			Start:             day(1, 10),
			End:               day(1, 11),
			RecurrenceRule:    "WEEKLY",
			RecurrenceEndDate: &until,
		})
		var conflict *scheduler.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected conflict, got %v", err)
		}

		count, err := h.store.CountBookings(context.Background(), persistence.BookingFilter{UserID: h.owner.ID})
		if err != nil {
			t.Fatalf("CountBookings: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected no rows after rollback, got %d", count)
		}
		if len(h.pub.events) != 0 {
			t.Fatalf("no events may be published for a failed request, got %d", len(h.pub.events))
		}
	})
}

func TestBookingService_CreateValidation(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)
	until := day(22, 0)
	earlyUntil := time.Date(2023, time.December, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		params CreateBookingParams
		field  string
	}{
		{
			name:   "start in the past",
			params: CreateBookingParams{RoomID: h.board.ID, Start: day(1, 7), End: day(1, 9)},
			field:  "start_time",
		},
		{
			name:   "end before start",
			params: CreateBookingParams{RoomID: h.board.ID, Start: day(2, 11), End: day(2, 10)},
			field:  "end_time",
		},
		{
			name:   "zero dates",
			params: CreateBookingParams{RoomID: h.board.ID},
			field:  "start_time",
		},
		{
			name:   "missing room",
			params: CreateBookingParams{Start: day(2, 10), End: day(2, 11)},
			field:  "room_id",
		},
		{
			name:   "rule without end date",
			params: CreateBookingParams{RoomID: h.board.ID, Start: day(2, 10), End: day(2, 11), RecurrenceRule: "DAILY"},
			field:  "recurrence_end_date",
		},
		{
			name:   "unknown rule",
			params: CreateBookingParams{RoomID: h.board.ID, Start: day(2, 10), End: day(2, 11), RecurrenceRule: "YEARLY", RecurrenceEndDate: &until},
			field:  "recurrence_rule",
		},
		{
			name:   "end date before start",
			params: CreateBookingParams{RoomID: h.board.ID, Start: day(2, 10), End: day(2, 11), RecurrenceRule: "DAILY", RecurrenceEndDate: &earlyUntil},
			field:  "recurrence_end_date",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.params.Principal = h.principal(h.owner)
			_, err := h.svc.CreateBooking(context.Background(), tc.params)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := vErr.FieldErrors[tc.field]; !ok {
				t.Fatalf("expected error on %s, got %v", tc.field, vErr.FieldErrors)
			}
		})
	}
}

func TestBookingService_CreateAccess(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)
	ctx := context.Background()

	t.Run("blocked users cannot book", func(t *testing.T) {
		_, err := h.svc.CreateBooking(ctx, CreateBookingParams{
			Principal: h.principal(h.blocked),
			RoomID:    h.board.ID,
			Start:     day(2, 10),
			End:       day(2, 11),
		})
		if !errors.Is(err, ErrBlocked) {
			t.Fatalf("expected ErrBlocked, got %v", err)
		}
	})

	t.Run("employees cannot book for others", func(t *testing.T) {
		_, err := h.svc.CreateBooking(ctx, CreateBookingParams{
			Principal: h.principal(h.owner),
			UserID:    h.other.ID,
			RoomID:    h.board.ID,
			Start:     day(2, 10),
			End:       day(2, 11),
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("super admins can book for others", func(t *testing.T) {
		result := h.mustCreate(t, CreateBookingParams{
			Principal: h.principal(h.admin),
			UserID:    h.other.ID,
			RoomID:    h.board.ID,
			Start:     day(3, 10),
			End:       day(3, 11),
		})
		if got := h.booking(t, result.BookingIDs[0]).UserID; got != h.other.ID {
			t.Fatalf("expected booking owned by %s, got %s", h.other.ID, got)
		}
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := h.svc.CreateBooking(ctx, CreateBookingParams{
			Principal: h.principal(h.owner),
			RoomID:    "room-missing",
			Start:     day(4, 10),
			End:       day(4, 11),
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("block takes effect after invalidation", func(t *testing.T) {
		u := h.other
		u.Blocked = true
		if err := h.store.UpdateUser(ctx, u); err != nil {
			t.Fatalf("UpdateUser: %v", err)
		}
		// The cached directory entry is stale but the transactional re-check catches it.
		_, err := h.svc.CreateBooking(ctx, CreateBookingParams{
			Principal: h.principal(h.other),
			RoomID:    h.focus.ID,
			Start:     day(5, 10),
			End:       day(5, 11),
		})
		if !errors.Is(err, ErrBlocked) {
			t.Fatalf("expected ErrBlocked, got %v", err)
		}
	})
}

func TestBookingService_PublishFailureDoesNotFailCreate(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)
	h.pub.err = errors.New("redis down")

	if _, err := h.svc.CreateBooking(context.Background(), CreateBookingParams{
		Principal: h.principal(h.owner),
		RoomID:    h.board.ID,
		Start:     day(2, 10),
		End:       day(2, 11),
	}); err != nil {
		t.Fatalf("expected publish failures to be swallowed, got %v", err)
	}
}

func TestBookingService_UpdateSeriesShift(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		series := h.weekly(t, day(1, 10), day(29, 0))
		if len(series.BookingIDs) != 5 {
			t.Fatalf("expected five occurrences, got %d", len(series.BookingIDs))
		}
		h.pub.reset()

		result, err := h.svc.UpdateBooking(context.Background(), UpdateBookingParams{
			Principal:     h.principal(h.owner),
			BookingID:     series.BookingIDs[1],
			RoomID:        h.board.ID,
			Start:         day(8, 12),
			End:           day(8, 13),
			ApplyToSeries: true,
		})
		if err != nil {
			t.Fatalf("UpdateBooking: %v", err)
		}
		if result.Message != "Recurring series updated successfully" || result.AffectedCount != 4 {
			t.Fatalf("unexpected result %+v", result)
		}

		first := h.booking(t, series.BookingIDs[0])
		if !first.Start.Equal(day(1, 10)) {
			t.Fatalf("earlier occurrences must not move, got %s", first.Start)
		}
		for i, d := range []int{8, 15, 22, 29} {
			b := h.booking(t, series.BookingIDs[i+1])
			if !b.Start.Equal(day(d, 12)) || !b.End.Equal(day(d, 13)) {
				t.Fatalf("occurrence %d = %s-%s, want Jan %d 12:00-13:00", i+1, b.Start, b.End, d)
			}
			if b.GroupID() != series.GroupID {
				t.Fatalf("series shift must keep the group")
			}
		}
		if got := h.pub.ofKind(notify.KindBookingShifted); len(got) != 4 {
			t.Fatalf("expected one shifted event per occurrence, got %d", len(got))
		}
	})
}

func TestBookingService_UpdateSeriesOverlappingItsOwnStalePositions(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)
	series := h.weekly(t, day(1, 10), day(15, 0))

	_, err := h.svc.UpdateBooking(context.Background(), UpdateBookingParams{
		Principal:     h.principal(h.owner),
		BookingID:     series.BookingIDs[0],
		RoomID:        h.board.ID,
		Start:         day(1, 10).Add(30 * time.Minute),
		End:           day(1, 11).Add(30 * time.Minute),
		ApplyToSeries: true,
	})
	if err != nil {
		t.Fatalf("shifting into the series' own old slots must succeed, got %v", err)
	}
}

func TestBookingService_UpdateSeriesConflictRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		series := h.weekly(t, day(1, 10), day(29, 0))
		testfixtures.InsertBookings(t, h.store,
			testfixtures.NewBooking(h.other.ID, h.board.ID, testfixtures.WithBookingWindow(day(22, 12), day(22, 13))),
		)
		h.pub.reset()

		_, err := h.svc.UpdateBooking(context.Background(), UpdateBookingParams{
			Principal:     h.principal(h.owner),
			BookingID:     series.BookingIDs[1],
			RoomID:        h.board.ID,
			Start:         day(8, 12),
			End:           day(8, 13),
			ApplyToSeries: true,
		})
		var conflict *scheduler.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected conflict, got %v", err)
		}

		for i, d := range []int{1, 8, 15, 22, 29} {
			if b := h.booking(t, series.BookingIDs[i]); !b.Start.Equal(day(d, 10)) {
				t.Fatalf("occurrence %d moved to %s despite the rollback", i, b.Start)
			}
		}
		if len(h.pub.events) != 0 {
			t.Fatalf("no events may be published for a failed update")
		}
	})
}

func TestBookingService_UpdateDetachesSingleOccurrence(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		series := h.weekly(t, day(1, 10), day(22, 0))

		result, err := h.svc.UpdateBooking(context.Background(), UpdateBookingParams{
			Principal: h.principal(h.owner),
			BookingID: series.BookingIDs[2],
			RoomID:    h.focus.ID,
			Start:     day(15, 14),
			End:       day(15, 16),
		})
		if err != nil {
			t.Fatalf("UpdateBooking: %v", err)
		}
		if result.Message != "Single booking updated successfully" || result.AffectedCount != 1 {
			t.Fatalf("unexpected result %+v", result)
		}

		detached := h.booking(t, series.BookingIDs[2])
		if detached.RecurrenceGroupID != nil || detached.RecurrenceRule != nil || detached.RecurrenceEndDate != nil {
			t.Fatalf("detached booking must drop its series fields: %+v", detached)
		}
		if detached.RoomID != h.focus.ID || !detached.Start.Equal(day(15, 14)) || !detached.End.Equal(day(15, 16)) {
			t.Fatalf("unexpected detached booking %+v", detached)
		}
		if rest := h.booking(t, series.BookingIDs[3]); rest.GroupID() != series.GroupID || !rest.Start.Equal(day(22, 10)) {
			t.Fatalf("other occurrences must stay in the series unchanged: %+v", rest)
		}
	})
}

func TestBookingService_UpdateAccessAndValidation(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)
	created := h.mustCreate(t, CreateBookingParams{
		Principal: h.principal(h.owner),
		RoomID:    h.board.ID,
		Start:     day(2, 10),
		End:       day(2, 11),
	})
	id := created.BookingIDs[0]
	ctx := context.Background()

	if _, err := h.svc.UpdateBooking(ctx, UpdateBookingParams{
		Principal: h.principal(h.other), BookingID: id, RoomID: h.board.ID, Start: day(3, 10), End: day(3, 11),
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-owner, got %v", err)
	}

	if _, err := h.svc.UpdateBooking(ctx, UpdateBookingParams{
		Principal: h.principal(h.owner), BookingID: id, RoomID: h.board.ID, Start: day(1, 6), End: day(1, 7),
	}); !isValidationOn(err, "start_time") {
		t.Fatalf("expected past start to be rejected, got %v", err)
	}

	if _, err := h.svc.UpdateBooking(ctx, UpdateBookingParams{
		Principal: h.principal(h.owner), RoomID: h.board.ID, Start: day(3, 10), End: day(3, 11),
	}); !isValidationOn(err, "booking_id") {
		t.Fatalf("expected missing id to be rejected, got %v", err)
	}

	if _, err := h.svc.UpdateBooking(ctx, UpdateBookingParams{
		Principal: h.principal(h.admin), BookingID: id, RoomID: h.focus.ID, Start: day(3, 10), End: day(3, 11),
	}); err != nil {
		t.Fatalf("super admins may edit any booking, got %v", err)
	}
}

func TestBookingService_DeleteSingle(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		created := h.mustCreate(t, CreateBookingParams{
			Principal: h.principal(h.owner),
			RoomID:    h.board.ID,
			Start:     day(2, 10),
			End:       day(2, 11),
		})
		id := created.BookingIDs[0]
		if err := h.store.AttachSlackHandle(context.Background(), []string{id}, "C1", "1.1"); err != nil {
			t.Fatalf("AttachSlackHandle: %v", err)
		}
		h.pub.reset()

		result, err := h.svc.DeleteBooking(context.Background(), DeleteBookingParams{
			Principal: h.principal(h.owner),
			BookingID: id,
		})
		if err != nil {
			t.Fatalf("DeleteBooking: %v", err)
		}
		if result.Message != "Deleted booking successfully" || result.DeletedCount != 1 {
			t.Fatalf("unexpected result %+v", result)
		}

		tombstoned, err := h.svc.GetBooking(context.Background(), h.principal(h.owner), id)
		if err != nil {
			t.Fatalf("GetBooking must return tombstoned rows, got %v", err)
		}
		if tombstoned.DeletedAt == nil {
			t.Fatalf("expected tombstone timestamp")
		}

		list, err := h.svc.ListBookings(context.Background(), ListBookingsParams{Principal: h.principal(h.owner), Mode: ListModeAll})
		if err != nil {
			t.Fatalf("ListBookings: %v", err)
		}
		if list.Total != 0 {
			t.Fatalf("tombstoned bookings must not be listed, got %d", list.Total)
		}

		retractions := h.pub.ofKind(notify.KindBookingDeleted)
		if len(retractions) != 1 || retractions[0].Handle == nil || retractions[0].Handle.MessageTS != "1.1" {
			t.Fatalf("expected one retraction, got %+v", retractions)
		}

		if _, err := h.svc.DeleteBooking(context.Background(), DeleteBookingParams{
			Principal: h.principal(h.owner),
			BookingID: id,
		}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("deleting twice must report ErrNotFound, got %v", err)
		}

		// The slot is free again.
		h.mustCreate(t, CreateBookingParams{
			Principal: h.principal(h.other),
			RoomID:    h.board.ID,
			Start:     day(2, 10),
			End:       day(2, 11),
		})
	})
}

func TestBookingService_DeleteSeries(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		series := h.weekly(t, day(1, 10), day(22, 0))
		if err := h.store.AttachSlackHandle(context.Background(), series.BookingIDs, "C1", "2.2"); err != nil {
			t.Fatalf("AttachSlackHandle: %v", err)
		}
		h.pub.reset()

		result, err := h.svc.DeleteBooking(context.Background(), DeleteBookingParams{
			Principal: h.principal(h.owner),
			BookingID: series.BookingIDs[2],
			Series:    true,
		})
		if err != nil {
			t.Fatalf("DeleteBooking: %v", err)
		}
		if result.Message != "Deleted recurring series (count: 4) successfully" || result.DeletedCount != 4 {
			t.Fatalf("unexpected result %+v", result)
		}
		for _, id := range series.BookingIDs {
			if h.booking(t, id).Active() {
				t.Fatalf("booking %s should be tombstoned", id)
			}
		}
		if got := h.pub.ofKind(notify.KindBookingDeleted); len(got) != 1 {
			t.Fatalf("expected one retraction per distinct message, got %d", len(got))
		}
	})
}

func TestBookingService_DeleteValidation(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)

	if _, err := h.svc.DeleteBooking(context.Background(), DeleteBookingParams{Principal: h.principal(h.owner)}); !isValidationOn(err, "booking_id") {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.svc.DeleteBooking(context.Background(), DeleteBookingParams{Principal: h.principal(h.owner), BookingID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBookingService_NoOverlapUnderConcurrency(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *bookingHarness) {
		users := []persistence.User{h.owner, h.other, h.manager, h.admin}

		var wg sync.WaitGroup
		errs := make([]error, len(users))
		for i, u := range users {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = h.svc.CreateBooking(context.Background(), CreateBookingParams{
					Principal: h.principal(u),
					RoomID:    h.board.ID,
					Start:     day(2, 10),
					End:       day(2, 11),
				})
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			var conflict *scheduler.ConflictError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &conflict):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("expected exactly one booking to win the slot, got %d", succeeded)
		}
	})
}

func TestBookingService_ListBookings(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)
	ctx := context.Background()

	testfixtures.InsertBookings(t, h.store,
		testfixtures.NewBooking(h.owner.ID, h.board.ID, testfixtures.WithBookingID("a1"), testfixtures.WithBookingWindow(day(2, 10), day(2, 11))),
		testfixtures.NewBooking(h.owner.ID, h.focus.ID, testfixtures.WithBookingID("b1"), testfixtures.WithBookingWindow(day(3, 10), day(3, 11))),
		testfixtures.NewBooking(h.owner.ID, h.board.ID, testfixtures.WithBookingID("a2"), testfixtures.WithBookingWindow(day(4, 10), day(4, 11))),
		testfixtures.NewBooking(h.owner.ID, h.board.ID, testfixtures.WithBookingID("today"), testfixtures.WithBookingWindow(day(1, 9), day(1, 10))),
		testfixtures.NewBooking(h.other.ID, h.board.ID, testfixtures.WithBookingID("o1"), testfixtures.WithBookingWindow(day(5, 10), day(5, 11))),
	)

	t.Run("upcoming groups by room in first appearance order", func(t *testing.T) {
		result, err := h.svc.ListBookings(ctx, ListBookingsParams{Principal: h.principal(h.owner)})
		if err != nil {
			t.Fatalf("ListBookings: %v", err)
		}
		if result.Total != 4 || result.TotalPages != 1 {
			t.Fatalf("unexpected totals %+v", result)
		}
		if len(result.Rooms) != 2 || result.Rooms[0].RoomName != "Board Room" || result.Rooms[1].RoomName != "Focus Room" {
			t.Fatalf("unexpected grouping %+v", result.Rooms)
		}
		if got := ids(result.Rooms[0].Bookings); fmt.Sprint(got) != "[a2 a1 today]" {
			t.Fatalf("board room bookings = %v", got)
		}
		if result.Rooms[0].Bookings[0].UserName != "Asha" {
			t.Fatalf("expected user names to be filled in")
		}
	})

	t.Run("today", func(t *testing.T) {
		result, err := h.svc.ListBookings(ctx, ListBookingsParams{Principal: h.principal(h.owner), Mode: ListModeToday})
		if err != nil {
			t.Fatalf("ListBookings: %v", err)
		}
		if result.Total != 1 || result.Rooms[0].Bookings[0].ID != "today" {
			t.Fatalf("unexpected today listing %+v", result)
		}
	})

	t.Run("range is boundary inclusive", func(t *testing.T) {
		from, to := day(3, 11), day(4, 10)
		result, err := h.svc.ListBookings(ctx, ListBookingsParams{Principal: h.principal(h.owner), Mode: ListModeRange, From: &from, To: &to})
		if err != nil {
			t.Fatalf("ListBookings: %v", err)
		}
		if result.Total != 2 {
			t.Fatalf("expected both touching bookings, got %+v", result)
		}
	})

	t.Run("range requires both bounds", func(t *testing.T) {
		from := day(3, 0)
		_, err := h.svc.ListBookings(ctx, ListBookingsParams{Principal: h.principal(h.owner), Mode: ListModeRange, From: &from})
		if !isValidationOn(err, "to") {
			t.Fatalf("expected validation error on to, got %v", err)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := h.svc.ListBookings(ctx, ListBookingsParams{Principal: h.principal(h.owner), Mode: "weekly"})
		if !isValidationOn(err, "mode") {
			t.Fatalf("expected validation error on mode, got %v", err)
		}
	})

	t.Run("employees cannot see other users", func(t *testing.T) {
		if _, err := h.svc.ListBookings(ctx, ListBookingsParams{Principal: h.principal(h.owner), AllUsers: true}); !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
		if _, err := h.svc.ListBookings(ctx, ListBookingsParams{Principal: h.principal(h.owner), UserID: h.other.ID}); !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("managers see everyone", func(t *testing.T) {
		result, err := h.svc.ListBookings(ctx, ListBookingsParams{Principal: h.principal(h.manager), AllUsers: true, Mode: ListModeAll})
		if err != nil {
			t.Fatalf("ListBookings: %v", err)
		}
		if result.Total != 5 {
			t.Fatalf("expected all five bookings, got %d", result.Total)
		}
	})
}

func TestBookingService_ListBookingsPaging(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)
	var rows []persistence.Booking
	for d := 2; d <= 13; d++ {
		rows = append(rows, testfixtures.NewBooking(h.owner.ID, h.board.ID, testfixtures.WithBookingWindow(day(d, 10), day(d, 11))))
	}
	testfixtures.InsertBookings(t, h.store, rows...)

	first, err := h.svc.ListBookings(context.Background(), ListBookingsParams{Principal: h.principal(h.owner), Page: 1})
	if err != nil {
		t.Fatalf("ListBookings: %v", err)
	}
	if first.TotalPages != 2 || len(first.Rooms[0].Bookings) != PageSize {
		t.Fatalf("unexpected first page %+v", first)
	}
	if !first.Rooms[0].Bookings[0].Start.Equal(day(13, 10)) {
		t.Fatalf("expected newest booking first, got %s", first.Rooms[0].Bookings[0].Start)
	}

	second, err := h.svc.ListBookings(context.Background(), ListBookingsParams{Principal: h.principal(h.owner), Page: 2})
	if err != nil {
		t.Fatalf("ListBookings: %v", err)
	}
	if len(second.Rooms) != 1 || len(second.Rooms[0].Bookings) != 2 {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestBookingService_CalendarAndAvailability(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)
	ctx := context.Background()
	testfixtures.InsertBookings(t, h.store,
		testfixtures.NewBooking(h.owner.ID, h.board.ID, testfixtures.WithBookingID("late"), testfixtures.WithBookingWindow(day(2, 15), day(2, 16))),
		testfixtures.NewBooking(h.other.ID, h.board.ID, testfixtures.WithBookingID("early"), testfixtures.WithBookingWindow(day(2, 9), day(2, 10))),
		testfixtures.NewBooking(h.other.ID, h.focus.ID, testfixtures.WithBookingID("focus"), testfixtures.WithBookingWindow(day(2, 11), day(2, 12))),
		testfixtures.NewBooking(h.other.ID, h.board.ID, testfixtures.WithBookingID("next-day"), testfixtures.WithBookingWindow(day(3, 9), day(3, 10))),
	)

	availability, err := h.svc.RoomAvailability(ctx, h.principal(h.owner), h.board.ID, day(2, 0))
	if err != nil {
		t.Fatalf("RoomAvailability: %v", err)
	}
	if got := ids(availability); fmt.Sprint(got) != "[early late]" {
		t.Fatalf("availability = %v", got)
	}

	if _, err := h.svc.RoomAvailability(ctx, h.principal(h.owner), "missing", day(2, 0)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown room, got %v", err)
	}

	calendar, err := h.svc.GlobalCalendar(ctx, h.principal(h.owner), day(2, 10), day(2, 11))
	if err != nil {
		t.Fatalf("GlobalCalendar: %v", err)
	}
	if got := ids(calendar); fmt.Sprint(got) != "[early focus]" {
		t.Fatalf("calendar = %v", got)
	}

	if _, err := h.svc.GlobalCalendar(ctx, h.principal(h.owner), day(3, 0), day(2, 0)); !isValidationOn(err, "to") {
		t.Fatalf("expected inverted window to be rejected, got %v", err)
	}
}

func TestBookingService_GetBookingVisibility(t *testing.T) {
	h := newBookingHarness(t, testfixtures.NewMemoryStore)
	testfixtures.InsertBookings(t, h.store, testfixtures.NewBooking(h.other.ID, h.board.ID, testfixtures.WithBookingID("theirs")))

	if _, err := h.svc.GetBooking(context.Background(), h.principal(h.owner), "theirs"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user's booking, got %v", err)
	}
	got, err := h.svc.GetBooking(context.Background(), h.principal(h.manager), "theirs")
	if err != nil {
		t.Fatalf("GetBooking: %v", err)
	}
	if got.RoomName != "Board Room" || got.UserName != "Ben" || got.RecurrenceRule != recurrence.RuleNone {
		t.Fatalf("unexpected booking %+v", got)
	}
}

func ids(bookings []Booking) []string {
	out := make([]string, len(bookings))
	for i, b := range bookings {
		out[i] = b.ID
	}
	return out
}

func isValidationOn(err error, field string) bool {
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		return false
	}
	_, ok := vErr.FieldErrors[field]
	return ok
}
