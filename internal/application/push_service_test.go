package application

import (
	"context"
	"testing"
	"time"

	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/testfixtures"
)

func TestPushService_SaveSubscription(t *testing.T) {
	store := testfixtures.NewMemoryStore(t)
	first := testfixtures.NewUser()
	second := testfixtures.NewUser()
	testfixtures.Seed(t, store, []persistence.User{first, second}, nil)

	clock := testfixtures.NewClock(time.Time{})
	svc := NewPushService(store, testfixtures.NewIDGenerator("sub").NextFunc(), clock.NowFunc(), nil)
	ctx := context.Background()

	t.Run("validates the subscription", func(t *testing.T) {
		err := svc.SaveSubscription(ctx, SavePushSubscriptionParams{
			Principal: Principal{UserID: first.ID},
			Endpoint:  "/relative",
		})
		for _, field := range []string{"endpoint", "keys.p256dh", "keys.auth"} {
			if !isValidationOn(err, field) {
				t.Fatalf("expected validation error on %s, got %v", field, err)
			}
		}
	})

	t.Run("latest subscription wins and endpoints move between users", func(t *testing.T) {
		save := func(userID, endpoint string) {
			t.Helper()
			clock.Advance(time.Minute)
			if err := svc.SaveSubscription(ctx, SavePushSubscriptionParams{
				Principal: Principal{UserID: userID},
				Endpoint:  endpoint,
				P256dh:    "BPk",
				Auth:      "auth",
			}); err != nil {
				t.Fatalf("SaveSubscription: %v", err)
			}
		}

		save(first.ID, "https://push.example.com/a")
		save(first.ID, "https://push.example.com/b")

		latest, err := store.LatestPushSubscription(ctx, first.ID)
		if err != nil {
			t.Fatalf("LatestPushSubscription: %v", err)
		}
		if latest.Endpoint != "https://push.example.com/b" {
			t.Fatalf("expected the newest endpoint, got %q", latest.Endpoint)
		}

		save(second.ID, "https://push.example.com/b")
		latest, err = store.LatestPushSubscription(ctx, first.ID)
		if err != nil {
			t.Fatalf("LatestPushSubscription: %v", err)
		}
		if latest.Endpoint != "https://push.example.com/a" {
			t.Fatalf("endpoint should have moved to the second user, got %q", latest.Endpoint)
		}
	})
}
