package sqlite

import (
	"context"
	"fmt"

	"github.com/example/roombook/internal/persistence"
)

// PushSubscriptionRepository implements persistence.PushSubscriptionRepository using SQLite
type PushSubscriptionRepository struct {
	db querier
}

// NewPushSubscriptionRepository creates a new SQLite push subscription repository
func NewPushSubscriptionRepository(pool *ConnectionPool) *PushSubscriptionRepository {
	return &PushSubscriptionRepository{db: pool.DB()}
}

// SavePushSubscription inserts the subscription or refreshes the keys of an existing endpoint
func (r *PushSubscriptionRepository) SavePushSubscription(ctx context.Context, sub persistence.PushSubscription) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			created_at = excluded.created_at`,
		sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, formatTime(sub.CreatedAt),
	)
	return mapError(err)
}

// LatestPushSubscription returns the most recently registered subscription of the user
func (r *PushSubscriptionRepository) LatestPushSubscription(ctx context.Context, userID string) (persistence.PushSubscription, error) {
	var (
		sub       persistence.PushSubscription
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &createdAt)
	if err != nil {
		return persistence.PushSubscription{}, mapError(err)
	}
	if sub.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.PushSubscription{}, fmt.Errorf("parse created_at: %w", err)
	}
	return sub, nil
}

// DeletePushSubscription removes the subscription registered for endpoint
func (r *PushSubscriptionRepository) DeletePushSubscription(ctx context.Context, endpoint string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return mapError(err)
	}
	return requireRow(result)
}
