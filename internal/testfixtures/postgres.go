package testfixtures

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/persistence/postgres"
)

// PostgresURLEnv names the variable holding the DSN of a scratch PostgreSQL
// database. When it is unset the postgres backend is left out of Stores.
const PostgresURLEnv = "ROOMBOOK_TEST_POSTGRES_URL"

var schemaCounter uint64

// PostgresURL returns the configured test DSN, or "" when none is set.
func PostgresURL() string {
	return strings.TrimSpace(os.Getenv(PostgresURLEnv))
}

// NewPostgresStore opens a migrated store in a fresh schema of the database
// named by ROOMBOOK_TEST_POSTGRES_URL. The schema is dropped when the test
// finishes, so tests may run in parallel against one database.
func NewPostgresStore(tb testing.TB) persistence.Store {
	tb.Helper()

	dsn := PostgresURL()
	if dsn == "" {
		tb.Skipf("%s is not set", PostgresURLEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("roombook_test_%d_%d", os.Getpid(), atomic.AddUint64(&schemaCounter, 1))
	ident := pgx.Identifier{schema}.Sanitize()

	admin, err := pgx.Connect(ctx, dsn)
	if err != nil {
		tb.Fatalf("connect to %s: %v", PostgresURLEnv, err)
	}
	defer admin.Close(ctx)
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+ident); err != nil {
		tb.Fatalf("create schema %s: %v", schema, err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			tb.Logf("drop schema %s: %v", schema, err)
			return
		}
		defer conn.Close(ctx)
		if _, err := conn.Exec(ctx, "DROP SCHEMA "+ident+" CASCADE"); err != nil {
			tb.Logf("drop schema %s: %v", schema, err)
		}
	})

	storage, err := postgres.Open(ctx, postgres.Config{
		DSN:      withSearchPath(dsn, schema),
		MaxConns: 4,
		MinConns: 1,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}
	tb.Cleanup(func() { _ = storage.Close() })

	if err := storage.Migrate(ctx); err != nil {
		tb.Fatalf("failed to migrate storage: %v", err)
	}
	return storage
}

// withSearchPath pins every pooled connection to schema. pgx forwards
// unrecognised DSN settings to the server as runtime parameters.
func withSearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err == nil {
			q := u.Query()
			q.Set("search_path", schema)
			u.RawQuery = q.Encode()
			return u.String()
		}
	}
	return dsn + " search_path=" + schema
}
