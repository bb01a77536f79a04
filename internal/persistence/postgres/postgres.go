// Package postgres implements persistence.Store on PostgreSQL through pgx.
//
// Booking mutations lock the room row with SELECT ... FOR UPDATE and take a
// transaction-scoped advisory lock keyed by the user id, so both the room and
// the user invariants hold under concurrent writers.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/persistence/sqlite/migration"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

var _ persistence.Store = (*Storage)(nil)

// Config holds the pool settings.
type Config struct {
	DSN string

	MaxConns int32
	MinConns int32
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Storage wraps a pgxpool.Pool.
type Storage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Storage{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the embedded schema through the shared migration manager.
func (s *Storage) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(schemaFiles, "schema")
	if err != nil {
		return fmt.Errorf("schema files: %w", err)
	}
	migrations, err := migration.Scan(sub)
	if err != nil {
		return fmt.Errorf("scan migrations: %w", err)
	}
	return migration.NewManager(&executor{pool: s.pool}, migrations, s.logger).Run(ctx)
}

// WithinTx executes fn within a database transaction. The transaction is
// rolled back when fn returns an error.
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.BookingTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	// no-op once committed
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &bookingTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", mapError(err))
	}
	return nil
}

// mapError translates pgx errors into persistence errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", persistence.ErrDuplicate, pgErr.Message)
		case "23503":
			return fmt.Errorf("%w: %s", persistence.ErrForeignKeyViolation, pgErr.Message)
		case "23514", "23502":
			return fmt.Errorf("%w: %s", persistence.ErrConstraintViolation, pgErr.Message)
		}
	}
	return err
}

func requireRow(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
