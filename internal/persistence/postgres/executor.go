package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/roombook/internal/persistence/sqlite/migration"
)

// executor implements migration.Executor on a pgx pool.
type executor struct {
	pool *pgxpool.Pool
}

func (e *executor) InitializeVersionTable(ctx context.Context) error {
	_, err := e.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL,
			checksum TEXT,
			execution_time_ms BIGINT
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

func (e *executor) IsVersionApplied(ctx context.Context, version string) (bool, error) {
	var exists int
	err := e.pool.QueryRow(ctx, `SELECT 1 FROM schema_migrations WHERE version = $1`, version).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check version %s: %w", version, err)
	}
	return true, nil
}

func (e *executor) ExecuteMigration(ctx context.Context, m migration.Migration) error {
	statements := migration.SplitStatements(m.SQL)
	if len(statements) == 0 {
		return &migration.MigrationError{Version: m.Version, FilePath: m.FilePath, Operation: "parse SQL", Err: migration.ErrInvalidMigrationFile}
	}

	started := time.Now()
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return &migration.MigrationError{Version: m.Version, FilePath: m.FilePath, Operation: "begin transaction", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for i, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return &migration.MigrationError{
				Version:   m.Version,
				FilePath:  m.FilePath,
				Operation: fmt.Sprintf("execute statement %d", i+1),
				Err:       fmt.Errorf("%w: %v", migration.ErrMigrationFailed, err),
			}
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, applied_at, checksum, execution_time_ms) VALUES ($1, $2, $3, $4)`,
		m.Version, time.Now().UTC(), m.Checksum, time.Since(started).Milliseconds(),
	); err != nil {
		return &migration.MigrationError{Version: m.Version, FilePath: m.FilePath, Operation: "record migration", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &migration.MigrationError{Version: m.Version, FilePath: m.FilePath, Operation: "commit transaction", Err: err}
	}
	return nil
}
