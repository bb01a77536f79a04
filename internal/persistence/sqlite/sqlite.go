// Package sqlite implements persistence.Store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/persistence/sqlite/migration"
)

var _ persistence.Store = (*Storage)(nil)

// Storage bundles the SQLite repositories behind the persistence.Store interface.
type Storage struct {
	*UserRepository
	*RoomRepository
	*BookingRepository
	*PushSubscriptionRepository

	pool   *ConnectionPool
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at dsn, which may be a file
// path or a "file:" URI.
func Open(dsn string) (*Storage, error) {
	return OpenWithConfig(migration.DefaultSQLiteConfig(dsn), nil)
}

// OpenWithConfig opens the database with explicit connection settings.
func OpenWithConfig(cfg migration.SQLiteConfig, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := NewConnectionPool(cfg)
	if err != nil {
		return nil, err
	}
	return &Storage{
		UserRepository:             NewUserRepository(pool),
		RoomRepository:             NewRoomRepository(pool),
		BookingRepository:          NewBookingRepository(pool),
		PushSubscriptionRepository: NewPushSubscriptionRepository(pool),
		pool:                       pool,
		logger:                     logger,
	}, nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.pool.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Storage) Migrate(ctx context.Context) error {
	migrations, err := migration.Scan(migration.SQLiteFiles())
	if err != nil {
		return fmt.Errorf("scan migrations: %w", err)
	}
	return migration.NewManager(migration.NewSQLiteExecutor(s.pool.DB()), migrations, s.logger).Run(ctx)
}

// WithinTx runs fn inside an immediate transaction.
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.BookingTx) error) error {
	return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(ctx, &bookingTx{tx: tx})
	})
}
