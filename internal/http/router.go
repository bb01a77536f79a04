package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/example/roombook/internal/logging"
)

type RouterConfig struct {
	Auth        Authenticator
	Bookings    *BookingHandler
	Rooms       *RoomHandler
	Users       *UserHandler
	Push        *PushHandler
	RateLimiter *RateLimiter
	// Health reports readiness of backing services; nil always reports ok.
	Health      func(ctx context.Context) error
	CORSOrigins []string
	Logger      *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := logging.OrDefault(cfg.Logger)
	responder := newResponder(logger)

	router := httprouter.New()
	router.HandleMethodNotAllowed = true
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responder.writeJSON(r.Context(), w, http.StatusNotFound, errorResponse{Message: "The requested resource was not found."})
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responder.writeJSON(r.Context(), w, http.StatusMethodNotAllowed, errorResponse{Message: http.StatusText(http.StatusMethodNotAllowed)})
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		responder.loggerFor(r.Context()).ErrorContext(r.Context(), "handler panicked", "panic", v)
		responder.writeJSON(r.Context(), w, http.StatusInternalServerError, errorResponse{Message: "Internal server error."})
	}

	router.HandlerFunc(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				responder.writeError(r.Context(), w, http.StatusServiceUnavailable, err)
				return
			}
		}
		responder.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
	})

	protect := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if cfg.RateLimiter != nil {
			handler = cfg.RateLimiter.Limit(handler)
		}
		if cfg.Auth != nil {
			handler = RequireAuth(cfg.Auth, logger)(handler)
		}
		return handler
	}

	if cfg.Bookings != nil {
		router.Handler(http.MethodGet, "/bookings", protect(cfg.Bookings.List))
		router.Handler(http.MethodPost, "/bookings", protect(cfg.Bookings.Create))
		// GET /bookings/calendar is served by Get; httprouter cannot register a
		// static segment next to :id.
		router.Handler(http.MethodGet, "/bookings/:id", protect(cfg.Bookings.Get))
		router.Handler(http.MethodPatch, "/bookings/:id", protect(cfg.Bookings.Update))
		router.Handler(http.MethodDelete, "/bookings/:id", protect(cfg.Bookings.Delete))
		router.Handler(http.MethodGet, "/rooms/:id/availability", protect(cfg.Bookings.Availability))
	}

	if cfg.Rooms != nil {
		router.Handler(http.MethodGet, "/rooms", protect(cfg.Rooms.List))
		router.Handler(http.MethodPost, "/rooms", protect(cfg.Rooms.Create))
		router.Handler(http.MethodPut, "/rooms/:id", protect(cfg.Rooms.Update))
	}

	if cfg.Users != nil {
		router.Handler(http.MethodGet, "/users", protect(cfg.Users.List))
		router.Handler(http.MethodPatch, "/users/:id", protect(cfg.Users.UpdateAccess))
	}

	if cfg.Push != nil {
		router.Handler(http.MethodPost, "/push/subscriptions", protect(cfg.Push.Subscribe))
	}

	var handler http.Handler = router
	handler = CORS(cfg.CORSOrigins)(handler)
	handler = RequestLogger(logger)(handler)
	return handler
}
