package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/roombook/internal/application"
	"github.com/example/roombook/internal/logging"
)

type bookingService interface {
	CreateBooking(ctx context.Context, params application.CreateBookingParams) (application.CreateBookingResult, error)
	UpdateBooking(ctx context.Context, params application.UpdateBookingParams) (application.UpdateBookingResult, error)
	DeleteBooking(ctx context.Context, params application.DeleteBookingParams) (application.DeleteBookingResult, error)
	ListBookings(ctx context.Context, params application.ListBookingsParams) (application.ListBookingsResult, error)
	GlobalCalendar(ctx context.Context, principal application.Principal, from, to time.Time) ([]application.Booking, error)
	RoomAvailability(ctx context.Context, principal application.Principal, roomID string, day time.Time) ([]application.Booking, error)
	GetBooking(ctx context.Context, principal application.Principal, id string) (application.Booking, error)
}

// BookingHandler exposes the booking engine. Dates without a time of day are
// interpreted in location.
type BookingHandler struct {
	service   bookingService
	location  *time.Location
	responder responder
	logger    *slog.Logger
}

func NewBookingHandler(service bookingService, location *time.Location, logger *slog.Logger) *BookingHandler {
	if location == nil {
		location = time.UTC
	}
	base := logging.OrDefault(logger)
	return &BookingHandler{service: service, location: location, responder: newResponder(base), logger: base}
}

func (h *BookingHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return logging.Scoped(ctx, h.logger, "BookingHandler", operation, attrs...)
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Create", "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode booking request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	params, err := req.toParams(principal, h.location)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	result, err := h.service.CreateBooking(r.Context(), params)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusCreated, createBookingResponse{
		Message:           result.Message,
		BookingIDs:        result.BookingIDs,
		RecurrenceGroupID: result.GroupID,
	})
}

func (h *BookingHandler) Update(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	bookingID := strings.TrimSpace(pathParam(r.Context(), "id"))
	if bookingID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidBookingID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	var req updateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Update", "booking_id", bookingID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode booking update", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	start, end, vErr := parseWindow(req.StartTime, req.EndTime)
	if vErr.HasErrors() {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	result, err := h.service.UpdateBooking(r.Context(), application.UpdateBookingParams{
		Principal:     principal,
		BookingID:     bookingID,
		RoomID:        strings.TrimSpace(req.RoomID),
		Start:         start,
		End:           end,
		ApplyToSeries: req.UpdateFuture,
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, updateBookingResponse{
		Message:       result.Message,
		AffectedCount: result.AffectedCount,
		BookingIDs:    result.BookingIDs,
	})
}

func (h *BookingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	bookingID := strings.TrimSpace(pathParam(r.Context(), "id"))
	if bookingID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidBookingID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	series, _ := strconv.ParseBool(r.URL.Query().Get("series"))

	result, err := h.service.DeleteBooking(r.Context(), application.DeleteBookingParams{
		Principal: principal,
		BookingID: bookingID,
		Series:    series,
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, deleteBookingResponse{
		Message:      result.Message,
		DeletedCount: result.DeletedCount,
	})
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	params, vErr := h.buildListParams(r.URL.Query(), principal)
	if vErr.HasErrors() {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	result, err := h.service.ListBookings(r.Context(), params)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.log(r.Context(), "List", "result_count", result.Total).DebugContext(r.Context(), "bookings listed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toListBookingsResponse(result))
}

// Get serves GET /bookings/:id. The calendar view shares the path prefix and
// is dispatched from here.
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	bookingID := strings.TrimSpace(pathParam(r.Context(), "id"))
	if bookingID == "calendar" {
		h.Calendar(w, r)
		return
	}
	if bookingID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidBookingID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	booking, err := h.service.GetBooking(r.Context(), principal, bookingID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, bookingResponse{Booking: toBookingDTO(booking)})
}

func (h *BookingHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	query := r.URL.Query()

	vErr := &application.ValidationError{FieldErrors: map[string]string{}}
	from := h.parseBound(query.Get("from"), "from", false, vErr)
	to := h.parseBound(query.Get("to"), "to", true, vErr)
	if vErr.HasErrors() {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	bookings, err := h.service.GlobalCalendar(r.Context(), principal, from, to)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, bookingsResponse{Bookings: toBookingDTOs(bookings)})
}

func (h *BookingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	roomID := strings.TrimSpace(pathParam(r.Context(), "id"))
	if roomID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidRoomID)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	day, err := time.ParseInLocation(time.DateOnly, raw, h.location)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, &application.ValidationError{
			FieldErrors: map[string]string{"date": "date must be formatted as YYYY-MM-DD"},
		})
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	bookings, err := h.service.RoomAvailability(r.Context(), principal, roomID, day)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, availabilityResponse{
		RoomID:   roomID,
		Date:     raw,
		Bookings: toBookingDTOs(bookings),
	})
}

func (h *BookingHandler) buildListParams(values url.Values, principal application.Principal) (application.ListBookingsParams, *application.ValidationError) {
	vErr := &application.ValidationError{FieldErrors: map[string]string{}}
	params := application.ListBookingsParams{
		Principal: principal,
		RoomID:    strings.TrimSpace(values.Get("roomId")),
		UserID:    strings.TrimSpace(values.Get("userId")),
		AllUsers:  strings.EqualFold(strings.TrimSpace(values.Get("scope")), "all"),
		Mode:      application.ListMode(strings.TrimSpace(values.Get("mode"))),
	}

	if raw := strings.TrimSpace(values.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			vErr.FieldErrors["page"] = "page must be a positive integer"
		} else {
			params.Page = page
		}
	}
	if raw := values.Get("from"); strings.TrimSpace(raw) != "" {
		from := h.parseBound(raw, "from", false, vErr)
		params.From = &from
	}
	if raw := values.Get("to"); strings.TrimSpace(raw) != "" {
		to := h.parseBound(raw, "to", true, vErr)
		params.To = &to
	}
	return params, vErr
}

// parseBound accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func (h *BookingHandler) parseBound(raw, field string, upper bool, vErr *application.ValidationError) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		vErr.FieldErrors[field] = field + " is required"
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, h.location)
	if err != nil {
		vErr.FieldErrors[field] = fmt.Sprintf("%s must be an RFC 3339 timestamp or YYYY-MM-DD", field)
		return time.Time{}
	}
	if upper {
		return day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return day
}

func parseWindow(rawStart, rawEnd string) (time.Time, time.Time, *application.ValidationError) {
	vErr := &application.ValidationError{FieldErrors: map[string]string{}}
	var start, end time.Time
	if strings.TrimSpace(rawStart) != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(rawStart))
		if err != nil {
			vErr.FieldErrors["start_time"] = "start_time must be an RFC 3339 timestamp"
		}
		start = t
	}
	if strings.TrimSpace(rawEnd) != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(rawEnd))
		if err != nil {
			vErr.FieldErrors["end_time"] = "end_time must be an RFC 3339 timestamp"
		}
		end = t
	}
	return start, end, vErr
}

type createBookingRequest struct {
	RoomID            string `json:"room_id"`
	UserID            string `json:"user_id"`
	StartTime         string `json:"start_time"`
	EndTime           string `json:"end_time"`
	RecurrenceRule    string `json:"recurrence_rule"`
	RecurrenceEndDate string `json:"recurrence_end_date"`
}

func (r createBookingRequest) toParams(principal application.Principal, loc *time.Location) (application.CreateBookingParams, error) {
	start, end, vErr := parseWindow(r.StartTime, r.EndTime)
	params := application.CreateBookingParams{
		Principal:      principal,
		RoomID:         strings.TrimSpace(r.RoomID),
		UserID:         strings.TrimSpace(r.UserID),
		Start:          start,
		End:            end,
		RecurrenceRule: strings.TrimSpace(r.RecurrenceRule),
	}
	if raw := strings.TrimSpace(r.RecurrenceEndDate); raw != "" {
		until, err := time.ParseInLocation(time.DateOnly, raw, loc)
		if err != nil {
			until, err = time.Parse(time.RFC3339, raw)
		}
		if err != nil {
			vErr.FieldErrors["recurrence_end_date"] = "recurrence_end_date must be YYYY-MM-DD"
		} else {
			params.RecurrenceEndDate = &until
		}
	}
	if vErr.HasErrors() {
		return params, vErr
	}
	return params, nil
}

type updateBookingRequest struct {
	RoomID       string `json:"room_id"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	UpdateFuture bool   `json:"update_future"`
}

type createBookingResponse struct {
	Message           string   `json:"message"`
	BookingIDs        []string `json:"booking_ids"`
	RecurrenceGroupID string   `json:"recurrence_group_id,omitempty"`
}

type updateBookingResponse struct {
	Message       string   `json:"message"`
	AffectedCount int      `json:"affected_count"`
	BookingIDs    []string `json:"booking_ids"`
}

type deleteBookingResponse struct {
	Message      string `json:"message"`
	DeletedCount int    `json:"deleted_count"`
}

type bookingResponse struct {
	Booking bookingDTO `json:"booking"`
}

type bookingsResponse struct {
	Bookings []bookingDTO `json:"bookings"`
}

type availabilityResponse struct {
	RoomID   string       `json:"room_id"`
	Date     string       `json:"date"`
	Bookings []bookingDTO `json:"bookings"`
}

type listBookingsResponse struct {
	Rooms      []roomBookingsDTO `json:"rooms"`
	Page       int               `json:"page"`
	TotalPages int               `json:"total_pages"`
	Total      int               `json:"total"`
}

type roomBookingsDTO struct {
	RoomID   string       `json:"room_id"`
	RoomName string       `json:"room_name"`
	Bookings []bookingDTO `json:"bookings"`
}

type bookingDTO struct {
	ID                string  `json:"id"`
	UserID            string  `json:"user_id"`
	UserName          string  `json:"user_name,omitempty"`
	RoomID            string  `json:"room_id"`
	RoomName          string  `json:"room_name,omitempty"`
	StartTime         string  `json:"start_time"`
	EndTime           string  `json:"end_time"`
	RecurrenceRule    string  `json:"recurrence_rule,omitempty"`
	RecurrenceEndDate *string `json:"recurrence_end_date,omitempty"`
	RecurrenceGroupID string  `json:"recurrence_group_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	DeletedAt         *string `json:"deleted_at,omitempty"`
}

func toBookingDTO(b application.Booking) bookingDTO {
	dto := bookingDTO{
		ID:                b.ID,
		UserID:            b.UserID,
		UserName:          b.UserName,
		RoomID:            b.RoomID,
		RoomName:          b.RoomName,
		StartTime:         b.Start.Format(time.RFC3339),
		EndTime:           b.End.Format(time.RFC3339),
		RecurrenceRule:    string(b.RecurrenceRule),
		RecurrenceGroupID: b.RecurrenceGroupID,
		CreatedAt:         b.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:         b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if b.RecurrenceEndDate != nil {
		until := b.RecurrenceEndDate.Format(time.DateOnly)
		dto.RecurrenceEndDate = &until
	}
	if b.DeletedAt != nil {
		deleted := b.DeletedAt.UTC().Format(time.RFC3339Nano)
		dto.DeletedAt = &deleted
	}
	return dto
}

func toBookingDTOs(bookings []application.Booking) []bookingDTO {
	out := make([]bookingDTO, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, toBookingDTO(b))
	}
	return out
}

func toListBookingsResponse(result application.ListBookingsResult) listBookingsResponse {
	rooms := make([]roomBookingsDTO, 0, len(result.Rooms))
	for _, group := range result.Rooms {
		rooms = append(rooms, roomBookingsDTO{
			RoomID:   group.RoomID,
			RoomName: group.RoomName,
			Bookings: toBookingDTOs(group.Bookings),
		})
	}
	return listBookingsResponse{
		Rooms:      rooms,
		Page:       result.Page,
		TotalPages: result.TotalPages,
		Total:      result.Total,
	}
}
