package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/example/roombook/internal/application"
	"github.com/example/roombook/internal/logging"
)

type pushService interface {
	SaveSubscription(ctx context.Context, params application.SavePushSubscriptionParams) error
}

// PushHandler registers browser push subscriptions.
type PushHandler struct {
	service   pushService
	responder responder
}

func NewPushHandler(service pushService, logger *slog.Logger) *PushHandler {
	return &PushHandler{service: service, responder: newResponder(logging.OrDefault(logger))}
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req pushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	if err := h.service.SaveSubscription(r.Context(), application.SavePushSubscriptionParams{
		Principal: principal,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
	}); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusCreated, messageResponse{Message: "Subscription saved"})
}

type pushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type messageResponse struct {
	Message string `json:"message"`
}
