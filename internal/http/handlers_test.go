package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roombook/internal/application"
	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/testfixtures"
)

type apiFixture struct {
	handler http.Handler
	auth    *application.AuthService
	store   persistence.Store
	owner   persistence.User
	other   persistence.User
	admin   persistence.User
	room    persistence.Room
}

func newAPIFixture(t *testing.T, limiter *RateLimiter) *apiFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &apiFixture{
		store: testfixtures.NewMemoryStore(t),
		owner: testfixtures.NewUser(testfixtures.WithUserName("Asha")),
		other: testfixtures.NewUser(testfixtures.WithUserName("Ben")),
		admin: testfixtures.NewUser(testfixtures.WithUserName("Eli"), testfixtures.WithUserRole("super_admin")),
		room:  testfixtures.NewRoom(testfixtures.WithRoomName("Board Room")),
	}
	testfixtures.Seed(t, f.store, []persistence.User{f.owner, f.other, f.admin}, []persistence.Room{f.room})

	clock := testfixtures.NewClock(time.Time{})
	dir := application.NewDirectory(f.store, 32, time.Minute)
	f.auth = application.NewAuthService([]byte("secret"), dir, clock.NowFunc())

	bookings := application.NewBookingService(application.BookingServiceConfig{
		Store:     f.store,
		Directory: dir,
		Location:  time.UTC,
		Now:       clock.NowFunc(),
		Logger:    logger,
	})
	rooms := application.NewRoomServiceWithLogger(f.store, dir, nil, clock.NowFunc(), logger)
	users := application.NewUserService(f.store, dir, nil, clock.NowFunc(), logger)
	push := application.NewPushService(f.store, nil, clock.NowFunc(), logger)

	f.handler = NewRouter(RouterConfig{
		Auth:        f.auth,
		Bookings:    NewBookingHandler(bookings, time.UTC, logger),
		Rooms:       NewRoomHandler(rooms, logger),
		Users:       NewUserHandler(users, logger),
		Push:        NewPushHandler(push, logger),
		RateLimiter: limiter,
		CORSOrigins: []string{"https://rooms.example.com"},
		Logger:      logger,
	})
	return f
}

func (f *apiFixture) token(t *testing.T, u persistence.User) string {
	t.Helper()
	token, err := f.auth.IssueToken(application.User{ID: u.ID, Email: u.Email}, nil, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestBookingHandlers(t *testing.T) {
	f := newAPIFixture(t, nil)
	owner := f.token(t, f.owner)
	other := f.token(t, f.other)

	var created createBookingResponse
	t.Run("create a weekly series", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/bookings", owner, map[string]any{
			"room_id":             f.room.ID,
			"start_time":          "2024-01-01T10:00:00Z",
			"end_time":            "2024-01-01T11:00:00Z",
			"recurrence_rule":     "WEEKLY",
			"recurrence_end_date": "2024-01-22",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		created = decode[createBookingResponse](t, rec)
		assert.Equal(t, "Booking created successfully", created.Message)
		assert.Len(t, created.BookingIDs, 4)
		assert.NotEmpty(t, created.RecurrenceGroupID)
	})

	t.Run("touching slot conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/bookings", other, map[string]any{
			"room_id":    f.room.ID,
			"start_time": "2024-01-08T11:00:00Z",
			"end_time":   "2024-01-08T12:00:00Z",
		})
		require.Equal(t, http.StatusConflict, rec.Code)
		body := decode[errorResponse](t, rec)
		assert.Equal(t, "BOOKING_CONFLICT", body.ErrorCode)
		require.NotNil(t, body.Conflict)
		assert.Equal(t, "room", body.Conflict.Type)
		assert.Equal(t, "2024-01-08T10:00:00Z", body.Conflict.StartTime)
	})

	t.Run("validation errors are reported per field", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/bookings", owner, map[string]any{
			"room_id":    f.room.ID,
			"start_time": "yesterday",
			"end_time":   "2024-01-08T12:00:00Z",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode[errorResponse](t, rec)
		assert.Contains(t, body.Errors, "start_time")
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewBufferString("{"))
		req.Header.Set("Authorization", "Bearer "+owner)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list groups by room", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/bookings?mode=all", owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[listBookingsResponse](t, rec)
		assert.Equal(t, 4, body.Total)
		require.Len(t, body.Rooms, 1)
		assert.Equal(t, "Board Room", body.Rooms[0].RoomName)
		assert.Equal(t, "WEEKLY", body.Rooms[0].Bookings[0].RecurrenceRule)
	})

	t.Run("employees cannot list everyone", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/bookings?scope=all", owner, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("calendar shares the bookings prefix", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/bookings/calendar?from=2024-01-01&to=2024-01-08", owner, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[bookingsResponse](t, rec)
		assert.Len(t, body.Bookings, 2)
	})

	t.Run("availability", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/rooms/"+f.room.ID+"/availability?date=2024-01-15", other, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[availabilityResponse](t, rec)
		require.Len(t, body.Bookings, 1)
		assert.Equal(t, "2024-01-15T10:00:00Z", body.Bookings[0].StartTime)

		rec = f.do(t, http.MethodGet, "/rooms/"+f.room.ID+"/availability?date=15/01/2024", other, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("shift the rest of the series", func(t *testing.T) {
		rec := f.do(t, http.MethodPatch, "/bookings/"+created.BookingIDs[1], owner, map[string]any{
			"room_id":       f.room.ID,
			"start_time":    "2024-01-08T12:00:00Z",
			"end_time":      "2024-01-08T13:00:00Z",
			"update_future": true,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[updateBookingResponse](t, rec)
		assert.Equal(t, "Recurring series updated successfully", body.Message)
		assert.Equal(t, 3, body.AffectedCount)
	})

	t.Run("other users cannot see or edit the booking", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/bookings/"+created.BookingIDs[0], other, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = f.do(t, http.MethodDelete, "/bookings/"+created.BookingIDs[0], other, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete the series", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/bookings/"+created.BookingIDs[0]+"?series=true", owner, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[deleteBookingResponse](t, rec)
		assert.Equal(t, "Deleted recurring series (count: 4) successfully", body.Message)

		rec = f.do(t, http.MethodGet, "/bookings/"+created.BookingIDs[0], owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		booking := decode[bookingResponse](t, rec)
		assert.NotNil(t, booking.Booking.DeletedAt)
	})
}

func TestRoomAndUserHandlers(t *testing.T) {
	f := newAPIFixture(t, nil)
	owner := f.token(t, f.owner)
	admin := f.token(t, f.admin)

	t.Run("employees can list rooms", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/rooms", owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[listRoomsResponse](t, rec)
		require.Len(t, body.Rooms, 1)
		assert.Equal(t, "Board Room", body.Rooms[0].Name)
	})

	t.Run("room mutations need a super admin", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/rooms", owner, map[string]any{"name": "Focus", "capacity": 4})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = f.do(t, http.MethodPost, "/rooms", admin, map[string]any{"name": "Focus", "capacity": 4})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = f.do(t, http.MethodPut, "/rooms/"+f.room.ID, admin, map[string]any{"name": "Board Room", "capacity": 0})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("blocking a user stops new bookings", func(t *testing.T) {
		rec := f.do(t, http.MethodPatch, "/users/"+f.owner.ID, admin, map[string]any{"blocked": true})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.True(t, decode[userResponse](t, rec).User.Blocked)

		rec = f.do(t, http.MethodPost, "/bookings", owner, map[string]any{
			"room_id":    f.room.ID,
			"start_time": "2024-01-02T10:00:00Z",
			"end_time":   "2024-01-02T11:00:00Z",
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "USER_BLOCKED", decode[errorResponse](t, rec).ErrorCode)
	})

	t.Run("user listing is restricted", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/users", owner, nil).Code)

		rec := f.do(t, http.MethodGet, "/users", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[listUsersResponse](t, rec).Users, 3)
	})

	t.Run("push subscriptions", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/push/subscriptions", owner, map[string]any{
			"endpoint": "https://push.example.com/abc",
			"keys":     map[string]string{"p256dh": "BPk", "auth": "secret"},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = f.do(t, http.MethodPost, "/push/subscriptions", owner, map[string]any{"endpoint": "https://push.example.com/abc"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRouterBasics(t *testing.T) {
	f := newAPIFixture(t, nil)

	t.Run("health needs no token", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("unknown routes answer json", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/bookings", f.token(t, f.owner), nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
