package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roombook/internal/application"
	"github.com/example/roombook/internal/config"
	"github.com/example/roombook/internal/persistence/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DatabaseURL: filepath.Join(t.TempDir(), "roombook.db"),
		JWTSecret:   "ctl-secret",
		Location:    time.UTC,
	}
}

func TestProvision(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var out bytes.Buffer
	err := execute(ctx, cfg, []string{"provision", "-email", "Ada@Example.com", "-name", "Ada", "-role", "super_admin"}, &out, logger)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "<ada@example.com> role=super_admin")
	require.True(t, strings.HasPrefix(lines[1], "token "))

	// the token authenticates against the same database
	store, err := sqlite.Open(cfg.DatabaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auth := application.NewAuthService([]byte(cfg.JWTSecret), application.NewDirectory(store, 4, time.Minute), time.Now)
	principal, err := auth.Authenticate(ctx, strings.TrimPrefix(lines[1], "token "))
	require.NoError(t, err)
	assert.Equal(t, application.RoleSuperAdmin, principal.Role)

	// provisioning again keeps the account
	out.Reset()
	require.NoError(t, execute(ctx, cfg, []string{"provision", "-email", "ada@example.com", "-token-ttl", "0"}, &out, logger))
	assert.Equal(t, lines[0], strings.TrimSpace(out.String()))
}

func TestProvisionUsage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	for _, args := range [][]string{nil, {"delete"}, {"provision", "-bogus"}} {
		err := execute(ctx, cfg, args, io.Discard, nil)
		assert.True(t, errors.Is(err, errUsage), "args %v: %v", args, err)
	}

	err := execute(ctx, cfg, []string{"provision", "-email", "not-an-address"}, io.Discard, nil)
	var vErr *application.ValidationError
	assert.True(t, errors.As(err, &vErr))
}
