package testfixtures

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/persistence/memory"
	"github.com/example/roombook/internal/persistence/sqlite"
)

// StoreFactory opens a fresh, migrated store for one test.
type StoreFactory func(tb testing.TB) persistence.Store

// Stores lists the backends every store contract test runs against. PostgreSQL
// joins the list when ROOMBOOK_TEST_POSTGRES_URL is set.
func Stores() map[string]StoreFactory {
	stores := map[string]StoreFactory{
		"memory": NewMemoryStore,
		"sqlite": NewSQLiteStore,
	}
	if PostgresURL() != "" {
		stores["postgres"] = NewPostgresStore
	}
	return stores
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(tb testing.TB) persistence.Store {
	tb.Helper()
	return memory.Open()
}

// NewSQLiteStore opens a migrated SQLite database in a temporary directory.
// The store is closed when the test finishes.
func NewSQLiteStore(tb testing.TB) persistence.Store {
	tb.Helper()

	storage, err := sqlite.Open(filepath.Join(tb.TempDir(), "roombook.db"))
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}
	tb.Cleanup(func() { _ = storage.Close() })

	if err := storage.Migrate(context.Background()); err != nil {
		tb.Fatalf("failed to migrate storage: %v", err)
	}
	return storage
}

// Seed inserts users and rooms, failing the test on the first error.
func Seed(tb testing.TB, store persistence.Store, users []persistence.User, rooms []persistence.Room) {
	tb.Helper()
	ctx := context.Background()
	for _, u := range users {
		if err := store.CreateUser(ctx, u); err != nil {
			tb.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	for _, r := range rooms {
		if err := store.CreateRoom(ctx, r); err != nil {
			tb.Fatalf("seed room %s: %v", r.ID, err)
		}
	}
}

// InsertBookings writes bookings directly through a transaction, bypassing
// conflict checks.
func InsertBookings(tb testing.TB, store persistence.Store, bookings ...persistence.Booking) {
	tb.Helper()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx persistence.BookingTx) error {
		for _, b := range bookings {
			if err := tx.InsertBooking(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		tb.Fatalf("insert bookings: %v", err)
	}
}
