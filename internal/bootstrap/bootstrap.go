// Package bootstrap wires configuration into stores, Redis clients and the
// notification dispatcher shared by the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/roombook/internal/config"
	"github.com/example/roombook/internal/notify"
	"github.com/example/roombook/internal/notify/calendar"
	"github.com/example/roombook/internal/notify/slack"
	"github.com/example/roombook/internal/notify/webpush"
	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/persistence/postgres"
	"github.com/example/roombook/internal/persistence/sqlite"
)

// OpenStore opens PostgreSQL for postgres:// URLs and SQLite otherwise, then
// applies pending migrations.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (persistence.Store, error) {
	var (
		store persistence.Store
		err   error
	)
	if cfg.UsesPostgres() {
		store, err = postgres.Open(ctx, postgres.Config{DSN: cfg.DatabaseURL}, logger)
	} else {
		store, err = sqlite.Open(cfg.DatabaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	return store, nil
}

// NewRedisClient parses cfg.RedisURL and verifies the connection. It returns
// nil without error when no URL is configured.
func NewRedisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// NewDispatcher builds a dispatcher with every sink that has credentials
// configured. Unconfigured sinks stay nil so their events are skipped.
func NewDispatcher(cfg config.Config, store notify.Store, logger *slog.Logger) (*notify.Dispatcher, error) {
	dcfg := notify.DispatcherConfig{
		Store:          store,
		DefaultChannel: cfg.SlackDefaultChannel,
		Location:       cfg.Location,
		Logger:         logger,
	}

	if cfg.SlackBotToken != "" {
		dcfg.Slack = slack.New(cfg.SlackBotToken)
	}
	if cfg.GoogleClientID != "" {
		dcfg.Calendar = calendar.NewSink(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.Location)
	}
	if cfg.VAPIDPublicKey != "" {
		sender, err := webpush.NewSender(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
		if err != nil {
			return nil, fmt.Errorf("configuring web push: %w", err)
		}
		dcfg.Push = sender
	}

	if logger != nil {
		logger.Info("notification sinks configured",
			"slack", dcfg.Slack != nil,
			"calendar", dcfg.Calendar != nil,
			"push", dcfg.Push != nil,
		)
	}
	return notify.NewDispatcher(dcfg), nil
}
