package application

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/roombook/internal/persistence"
)

// PushService registers browser push subscriptions.
type PushService struct {
	subscriptions persistence.PushSubscriptionRepository
	idGenerator   func() string
	now           func() time.Time
	logger        *slog.Logger
}

// NewPushService wires dependencies for the push service.
func NewPushService(subscriptions persistence.PushSubscriptionRepository, idGenerator func() string, now func() time.Time, logger *slog.Logger) *PushService {
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &PushService{subscriptions: subscriptions, idGenerator: idGenerator, now: now, logger: defaultLogger(logger)}
}

// SaveSubscription stores the endpoint for the principal. Saving the same
// endpoint again replaces its keys and owner.
func (s *PushService) SaveSubscription(ctx context.Context, params SavePushSubscriptionParams) error {
	if s == nil {
		return fmt.Errorf("PushService is nil")
	}

	vErr := &ValidationError{}
	endpoint := strings.TrimSpace(params.Endpoint)
	if u, err := url.Parse(endpoint); endpoint == "" || err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		vErr.add("endpoint", "endpoint must be an absolute URL")
	}
	if strings.TrimSpace(params.P256dh) == "" {
		vErr.add("keys.p256dh", "p256dh key is required")
	}
	if strings.TrimSpace(params.Auth) == "" {
		vErr.add("keys.auth", "auth secret is required")
	}
	if vErr.HasErrors() {
		return vErr
	}

	err := s.subscriptions.SavePushSubscription(ctx, persistence.PushSubscription{
		ID:        s.idGenerator(),
		UserID:    params.Principal.UserID,
		Endpoint:  endpoint,
		P256dh:    strings.TrimSpace(params.P256dh),
		Auth:      strings.TrimSpace(params.Auth),
		CreatedAt: s.now(),
	})
	logger := serviceLogger(ctx, s.logger, "PushService", "SaveSubscription", "principal_id", params.Principal.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to save push subscription", "error", err, "error_kind", ErrorKind(err))
		return err
	}
	logger.InfoContext(ctx, "push subscription saved")
	return nil
}
