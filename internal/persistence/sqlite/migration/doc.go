// Package migration applies versioned schema migrations.
//
// Migration files follow the naming convention {version}_{description}.sql
// (e.g. "0001_initial_schema.sql") and are read from an fs.FS, normally the
// files embedded in the binary. Applied versions are tracked in the
// schema_migrations table so each file runs exactly once, inside its own
// transaction.
//
// Example usage:
//
//	migrations, err := migration.Scan(migration.SQLiteFiles())
//	if err != nil {
//		return err
//	}
//	manager := migration.NewManager(migration.NewSQLiteExecutor(db), migrations, logger)
//	if err := manager.Run(ctx); err != nil {
//		return err
//	}
package migration
