package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/roombook/internal/notify"
	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/recurrence"
	"github.com/example/roombook/internal/scheduler"
)

const (
	msgBookingCreated = "Booking created successfully"
	msgSingleUpdated  = "Single booking updated successfully"
	msgSeriesUpdated  = "Recurring series updated successfully"
	msgBookingDeleted = "Deleted booking successfully"
	msgSeriesDeleted  = "Deleted recurring series (count: %d) successfully"
)

// BookingStore captures the persistence interactions needed by the booking engine.
type BookingStore interface {
	persistence.Transactor
	GetBooking(ctx context.Context, id string) (persistence.Booking, error)
	ListBookings(ctx context.Context, filter persistence.BookingFilter) ([]persistence.Booking, error)
	CountBookings(ctx context.Context, filter persistence.BookingFilter) (int, error)
}

// BookingServiceConfig wires a BookingService. Store and Directory are required.
type BookingServiceConfig struct {
	Store     BookingStore
	Directory *Directory
	Publisher notify.Publisher
	// Location is used for recurrence arithmetic, "today" and conflict messages.
	Location *time.Location
	// OversightEmail receives a push notification for every new booking.
	OversightEmail string
	// MaxOccurrences caps a single recurring request.
	MaxOccurrences int
	IDGenerator    func() string
	EventID        func() string
	Now            func() time.Time
	Logger         *slog.Logger
}

// BookingService creates, reschedules, cancels and lists bookings while
// keeping rooms and users free of overlapping reservations.
type BookingService struct {
	store          BookingStore
	directory      *Directory
	publisher      notify.Publisher
	expander       *recurrence.Engine
	checker        *scheduler.Checker
	location       *time.Location
	oversightEmail string
	idGenerator    func() string
	eventID        func() string
	now            func() time.Time
	logger         *slog.Logger
}

// NewBookingService constructs a booking service from cfg.
func NewBookingService(cfg BookingServiceConfig) *BookingService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Discard{}
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}
	if cfg.EventID == nil {
		cfg.EventID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	expander := recurrence.NewEngine(cfg.Location)
	if cfg.MaxOccurrences > 0 {
		expander = expander.WithMaxOccurrences(cfg.MaxOccurrences)
	}
	return &BookingService{
		store:          cfg.Store,
		directory:      cfg.Directory,
		publisher:      cfg.Publisher,
		expander:       expander,
		checker:        scheduler.NewChecker(cfg.Location),
		location:       cfg.Location,
		oversightEmail: strings.TrimSpace(cfg.OversightEmail),
		idGenerator:    cfg.IDGenerator,
		eventID:        cfg.EventID,
		now:            cfg.Now,
		logger:         defaultLogger(cfg.Logger),
	}
}

func (s *BookingService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "BookingService", operation, attrs...)
}

// CreateBooking books a room for a single interval or a recurring series. All
// occurrences are written in one transaction; the first conflict rolls back
// the whole request.
func (s *BookingService) CreateBooking(ctx context.Context, params CreateBookingParams) (result CreateBookingResult, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}

	principal := params.Principal
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		userID = principal.UserID
	}

	logger := s.loggerWith(ctx, "CreateBooking",
		"principal_id", principal.UserID,
		"user_id", userID,
		"room_id", params.RoomID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to create booking", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With(
			"group_id", result.GroupID,
			"occurrences", len(result.BookingIDs),
		).InfoContext(ctx, "booking created")
	}()

	if userID != principal.UserID && !principal.Role.CanActForOthers() {
		err = ErrNotFound
		return
	}

	var user User
	user, err = s.directory.User(ctx, userID)
	if err != nil {
		return
	}
	if user.Blocked || !user.Active {
		err = ErrBlocked
		return
	}

	var occurrences []recurrence.Occurrence
	var rule recurrence.Rule
	occurrences, rule, err = s.expandRequest(params)
	if err != nil {
		return
	}

	var groupID string
	if rule.Recurring() {
		groupID = s.idGenerator()
	}

	createdAt := s.now()
	var (
		room    persistence.Room
		created []persistence.Booking
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx persistence.BookingTx) error {
		var txErr error
		room, txErr = tx.LockRoom(ctx, params.RoomID)
		if txErr != nil {
			return txErr
		}
		owner, txErr := tx.LockUser(ctx, userID)
		if txErr != nil {
			return txErr
		}
		if owner.Blocked || !owner.Active {
			return ErrBlocked
		}

		finder := txFinder{tx: tx}
		created = created[:0]
		for _, occ := range occurrences {
			cand := scheduler.Candidate{
				RoomID:   room.ID,
				RoomName: room.Name,
				UserID:   owner.ID,
				UserName: owner.Name,
				Interval: scheduler.Interval{Start: occ.Start, End: occ.End},
			}
			if txErr = s.checker.Check(ctx, finder, cand); txErr != nil {
				return txErr
			}

			booking := persistence.Booking{
				ID:        s.idGenerator(),
				UserID:    owner.ID,
				RoomID:    room.ID,
				Start:     occ.Start,
				End:       occ.End,
				CreatedAt: createdAt,
				UpdatedAt: createdAt,
			}
			if rule.Recurring() {
				ruleText := string(rule)
				until := *params.RecurrenceEndDate
				group := groupID
				booking.RecurrenceRule = &ruleText
				booking.RecurrenceEndDate = &until
				booking.RecurrenceGroupID = &group
			}
			if txErr = tx.InsertBooking(ctx, booking); txErr != nil {
				return txErr
			}
			created = append(created, booking)
		}
		return nil
	})
	if err != nil {
		err = s.nameConflictRoom(ctx, mapBookingRepoError(err))
		return
	}

	result = CreateBookingResult{
		Message:    msgBookingCreated,
		BookingIDs: bookingIDs(created),
		GroupID:    groupID,
	}
	s.publish(ctx, logger, s.createdEvents(principal, user, roomFromRecord(room), groupID, created)...)
	return
}

// UpdateBooking moves a booking, or the rest of its series, to a new room and
// time. A single-occurrence edit detaches the booking from its series.
func (s *BookingService) UpdateBooking(ctx context.Context, params UpdateBookingParams) (result UpdateBookingResult, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}

	principal := params.Principal
	logger := s.loggerWith(ctx, "UpdateBooking",
		"principal_id", principal.UserID,
		"booking_id", params.BookingID,
		"room_id", params.RoomID,
		"apply_to_series", params.ApplyToSeries,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to update booking", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("affected", result.AffectedCount).InfoContext(ctx, "booking updated")
	}()

	vErr := &ValidationError{}
	if strings.TrimSpace(params.BookingID) == "" {
		vErr.add("booking_id", "booking id is required")
	}
	if strings.TrimSpace(params.RoomID) == "" {
		vErr.add("room_id", "room id is required")
	}
	vErr.merge(s.validateInterval(params.Start, params.End))
	if vErr.HasErrors() {
		err = vErr
		return
	}

	updatedAt := s.now()
	var (
		series  bool
		room    persistence.Room
		owner   persistence.User
		changed []persistence.Booking
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx persistence.BookingTx) error {
		existing, txErr := tx.GetActiveBooking(ctx, params.BookingID)
		if txErr != nil {
			return txErr
		}
		if existing.UserID != principal.UserID && !principal.Role.CanActForOthers() {
			return ErrNotFound
		}
		if room, txErr = tx.LockRoom(ctx, params.RoomID); txErr != nil {
			return txErr
		}
		if owner, txErr = tx.LockUser(ctx, existing.UserID); txErr != nil {
			return txErr
		}

		finder := txFinder{tx: tx}
		groupID := existing.GroupID()
		if !params.ApplyToSeries || groupID == "" {
			series = false
			cand := scheduler.Candidate{
				RoomID:   room.ID,
				RoomName: room.Name,
				UserID:   owner.ID,
				UserName: owner.Name,
				Interval: scheduler.Interval{Start: params.Start, End: params.End},
				Exclude:  []string{existing.ID},
			}
			if txErr = s.checker.Check(ctx, finder, cand); txErr != nil {
				return txErr
			}

			detached := existing
			detached.RoomID = room.ID
			detached.Start = params.Start
			detached.End = params.End
			detached.RecurrenceRule = nil
			detached.RecurrenceEndDate = nil
			detached.RecurrenceGroupID = nil
			detached.UpdatedAt = updatedAt
			if txErr = tx.UpdateBooking(ctx, detached); txErr != nil {
				return txErr
			}
			changed = []persistence.Booking{detached}
			return nil
		}

		series = true
		members, txErr := tx.ListGroup(ctx, groupID)
		if txErr != nil {
			return txErr
		}
		moving := make([]persistence.Booking, 0, len(members))
		for _, m := range members {
			if !m.Start.Before(existing.Start) {
				moving = append(moving, m)
			}
		}
		movingIDs := bookingIDs(moving)

		startDelta := params.Start.Sub(existing.Start)
		endDelta := params.End.Sub(existing.End)
		candidates := make([]scheduler.Candidate, 0, len(moving))
		for _, m := range moving {
			cand := scheduler.Candidate{
				RoomID:   room.ID,
				RoomName: room.Name,
				UserID:   owner.ID,
				UserName: owner.Name,
				Interval: scheduler.Interval{Start: m.Start, End: m.End}.Shift(startDelta, endDelta),
				Exclude:  movingIDs,
			}
			if !cand.Interval.End.After(cand.Interval.Start) {
				return newValidationError("end_time", "end time must be after start time")
			}
			if txErr = s.checker.Check(ctx, finder, cand); txErr != nil {
				return txErr
			}
			candidates = append(candidates, cand)
		}
		if txErr = s.checker.CheckAgainst(candidates); txErr != nil {
			return txErr
		}

		changed = changed[:0]
		for i, m := range moving {
			m.RoomID = room.ID
			m.Start = candidates[i].Interval.Start
			m.End = candidates[i].Interval.End
			m.UpdatedAt = updatedAt
			if txErr = tx.UpdateBooking(ctx, m); txErr != nil {
				return txErr
			}
			changed = append(changed, m)
		}
		return nil
	})
	if err != nil {
		err = s.nameConflictRoom(ctx, mapBookingRepoError(err))
		return
	}

	result = UpdateBookingResult{
		Message:       msgSingleUpdated,
		AffectedCount: len(changed),
		BookingIDs:    bookingIDs(changed),
	}
	if series {
		result.Message = msgSeriesUpdated
	}
	s.publish(ctx, logger, s.shiftedEvents(principal, userFromRecord(owner), roomFromRecord(room), changed)...)
	return
}

// DeleteBooking tombstones a booking, or every active occurrence of its
// series when Series is set.
func (s *BookingService) DeleteBooking(ctx context.Context, params DeleteBookingParams) (result DeleteBookingResult, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}

	principal := params.Principal
	logger := s.loggerWith(ctx, "DeleteBooking",
		"principal_id", principal.UserID,
		"booking_id", params.BookingID,
		"series", params.Series,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to delete booking", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("deleted", result.DeletedCount).InfoContext(ctx, "booking deleted")
	}()

	if strings.TrimSpace(params.BookingID) == "" {
		err = newValidationError("booking_id", "booking id is required")
		return
	}

	deletedAt := s.now()
	var (
		series  bool
		removed []persistence.Booking
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx persistence.BookingTx) error {
		existing, txErr := tx.GetActiveBooking(ctx, params.BookingID)
		if txErr != nil {
			return txErr
		}
		if existing.UserID != principal.UserID && !principal.Role.CanActForOthers() {
			return ErrNotFound
		}

		removed = []persistence.Booking{existing}
		if groupID := existing.GroupID(); params.Series && groupID != "" {
			series = true
			if removed, txErr = tx.ListGroup(ctx, groupID); txErr != nil {
				return txErr
			}
		}
		_, txErr = tx.SoftDeleteBookings(ctx, bookingIDs(removed), deletedAt)
		return txErr
	})
	if err != nil {
		err = mapBookingRepoError(err)
		return
	}

	result = DeleteBookingResult{Message: msgBookingDeleted, DeletedCount: len(removed)}
	if series {
		result.Message = fmt.Sprintf(msgSeriesDeleted, len(removed))
	}
	s.publish(ctx, logger, s.deletedEvents(removed)...)
	return
}

// expandRequest validates the create input and expands it into occurrences.
func (s *BookingService) expandRequest(params CreateBookingParams) ([]recurrence.Occurrence, recurrence.Rule, error) {
	vErr := &ValidationError{}
	if strings.TrimSpace(params.RoomID) == "" {
		vErr.add("room_id", "room id is required")
	}
	vErr.merge(s.validateInterval(params.Start, params.End))

	rule, err := recurrence.ParseRule(params.RecurrenceRule)
	if err != nil {
		vErr.add("recurrence_rule", "recurrence rule must be one of DAILY, WEEKLY or MONTHLY")
	}
	var until *time.Time
	if rule.Recurring() {
		if params.RecurrenceEndDate == nil || params.RecurrenceEndDate.IsZero() {
			vErr.add("recurrence_end_date", "recurrence end date is required for recurring bookings")
		} else {
			until = params.RecurrenceEndDate
		}
	}
	if vErr.HasErrors() {
		return nil, rule, vErr
	}

	occurrences, err := s.expander.Expand(recurrence.Request{
		Start: params.Start,
		End:   params.End,
		Rule:  rule,
		Until: until,
	})
	switch {
	case err == nil:
		return occurrences, rule, nil
	case errors.Is(err, recurrence.ErrUntilBeforeStart):
		return nil, rule, newValidationError("recurrence_end_date", "recurrence end date must not precede the start")
	case errors.Is(err, recurrence.ErrTooManyOccurrences):
		return nil, rule, newValidationError("recurrence_end_date", "recurrence produces too many occurrences")
	case errors.Is(err, recurrence.ErrInvalidDuration):
		return nil, rule, newValidationError("end_time", "end time must be after start time")
	default:
		return nil, rule, newValidationError("recurrence_rule", err.Error())
	}
}

func (s *BookingService) validateInterval(start, end time.Time) *ValidationError {
	vErr := &ValidationError{}
	if start.IsZero() {
		vErr.add("start_time", "start time is required")
	}
	if end.IsZero() {
		vErr.add("end_time", "end time is required")
	}
	if vErr.HasErrors() {
		return vErr
	}
	if !end.After(start) {
		vErr.add("end_time", "end time must be after start time")
	}
	if start.Before(s.now()) {
		vErr.add("start_time", "start time must not be in the past")
	}
	return vErr
}

func (s *BookingService) createdEvents(principal Principal, user User, room Room, groupID string, created []persistence.Booking) []notify.Event {
	if len(created) == 0 {
		return nil
	}
	first := created[0]
	base := s.event(notify.KindBookingCreated, user, room, first)
	base.BookingIDs = bookingIDs(created)
	base.GroupID = groupID
	events := []notify.Event{base}

	if creds := principal.notifyCredentials(); creds != nil {
		for _, b := range created {
			sync := s.event(notify.KindCalendarSync, user, room, b)
			sync.Calendar = creds
			events = append(events, sync)
		}
	}

	if s.oversightEmail != "" {
		push := s.event(notify.KindPushOversight, user, room, first)
		push.GroupID = groupID
		push.RecipientEmail = s.oversightEmail
		push.Title = "New room booking"
		events = append(events, push)
	}
	return events
}

func (s *BookingService) shiftedEvents(principal Principal, user User, room Room, changed []persistence.Booking) []notify.Event {
	creds := principal.notifyCredentials()
	events := make([]notify.Event, 0, len(changed))
	for _, b := range changed {
		shifted := s.event(notify.KindBookingShifted, user, room, b)
		shifted.Handle = slackHandle(b)
		events = append(events, shifted)

		if creds != nil {
			sync := s.event(notify.KindCalendarSync, user, room, b)
			sync.Calendar = creds
			if b.CalendarEventID != nil {
				sync.CalendarEventID = *b.CalendarEventID
			}
			events = append(events, sync)
		}
	}
	return events
}

// deletedEvents emits one retraction per distinct Slack message.
func (s *BookingService) deletedEvents(removed []persistence.Booking) []notify.Event {
	seen := make(map[notify.Handle]bool)
	var events []notify.Event
	for _, b := range removed {
		handle := slackHandle(b)
		if handle == nil || seen[*handle] {
			continue
		}
		seen[*handle] = true
		event := s.event(notify.KindBookingDeleted, User{}, Room{}, b)
		event.Handle = handle
		events = append(events, event)
	}
	return events
}

func (s *BookingService) event(kind notify.Kind, user User, room Room, b persistence.Booking) notify.Event {
	return notify.Event{
		ID:         s.eventID(),
		Kind:       kind,
		OccurredAt: s.now(),
		BookingIDs: []string{b.ID},
		GroupID:    b.GroupID(),
		UserName:   user.Name,
		UserEmail:  user.Email,
		RoomName:   room.Name,
		Start:      b.Start,
		End:        b.End,
	}
}

// publish hands events to the publisher after the transaction committed.
// Failures are logged and never reach the caller.
func (s *BookingService) publish(ctx context.Context, logger *slog.Logger, events ...notify.Event) {
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), events...); err != nil {
		logger.WarnContext(ctx, "failed to publish booking events", "error", err, "events", len(events))
	}
}

// nameConflictRoom fills in the room of the booking a user conflict clashed
// with. The lookup runs after the transaction so it never holds a second
// connection while the booking locks are taken.
func (s *BookingService) nameConflictRoom(ctx context.Context, err error) error {
	var conflict *scheduler.ConflictError
	if !errors.As(err, &conflict) || conflict.Type != scheduler.ConflictTypeUser || conflict.ExistingRoomName != "" {
		return err
	}
	if room, lookupErr := s.directory.Room(ctx, conflict.ExistingRoomID); lookupErr == nil {
		conflict.SetExistingRoomName(room.Name)
	}
	return err
}

// txFinder adapts a booking transaction to the conflict checker.
type txFinder struct {
	tx persistence.BookingTx
}

func (f txFinder) FindRoomOverlap(ctx context.Context, roomID string, window scheduler.Interval, exclude []string) (scheduler.Booking, bool, error) {
	b, found, err := f.tx.FindRoomOverlap(ctx, roomID, window.Start, window.End, exclude)
	return schedulerBooking(b), found, err
}

func (f txFinder) FindUserOverlap(ctx context.Context, userID string, window scheduler.Interval, exclude []string) (scheduler.Booking, bool, error) {
	b, found, err := f.tx.FindUserOverlap(ctx, userID, window.Start, window.End, exclude)
	return schedulerBooking(b), found, err
}

func schedulerBooking(b persistence.Booking) scheduler.Booking {
	return scheduler.Booking{
		ID:       b.ID,
		RoomID:   b.RoomID,
		UserID:   b.UserID,
		Interval: scheduler.Interval{Start: b.Start, End: b.End},
		Deleted:  !b.Active(),
	}
}

func slackHandle(b persistence.Booking) *notify.Handle {
	channelID, ts, ok := b.SlackHandle()
	if !ok {
		return nil
	}
	return &notify.Handle{ChannelID: channelID, MessageTS: ts}
}

func bookingIDs(bookings []persistence.Booking) []string {
	ids := make([]string, len(bookings))
	for i, b := range bookings {
		ids[i] = b.ID
	}
	return ids
}

func mapBookingRepoError(err error) error {
	if err == nil {
		return nil
	}
	var conflict *scheduler.ConflictError
	var vErr *ValidationError
	switch {
	case errors.As(err, &conflict), errors.As(err, &vErr):
		return err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBlocked):
		return err
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, persistence.ErrForeignKeyViolation):
		return ErrNotFound
	case errors.Is(err, persistence.ErrConstraintViolation):
		return newValidationError("end_time", "end time must be after start time")
	}
	return err
}
