package migration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := Open(DefaultSQLiteConfig(filepath.Join(t.TempDir(), "roombook.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrations, err := Scan(SQLiteFiles())
	require.NoError(t, err)

	executor := NewSQLiteExecutor(db)
	manager := NewManager(executor, migrations, nil)

	require.NoError(t, manager.Run(ctx))

	pending, err := manager.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "second pass should find nothing to apply")

	applied, err := executor.AppliedVersions(ctx)
	require.NoError(t, err)
	require.Len(t, applied, len(migrations))
	assert.Equal(t, migrations[0].Checksum, applied[0].Checksum)

	require.NoError(t, manager.Run(ctx), "re-running must be a no-op")

	var tables int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('users', 'rooms', 'bookings', 'push_subscriptions')`,
	).Scan(&tables))
	assert.Equal(t, 4, tables)
}

func TestSQLiteConfigDataSourceName(t *testing.T) {
	t.Parallel()

	cfg := DefaultSQLiteConfig("file:/tmp/roombook.db?cache=shared")
	assert.Equal(t, "/tmp/roombook.db", cfg.Path)

	dsn := cfg.DataSourceName()
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "foreign_keys%281%29")

	cfg.JournalMode = "SIDEWAYS"
	assert.Error(t, cfg.Validate())
}
