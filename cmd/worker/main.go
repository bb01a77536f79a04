package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/example/roombook/internal/application"
	"github.com/example/roombook/internal/bootstrap"
	"github.com/example/roombook/internal/config"
	"github.com/example/roombook/internal/logging"
	"github.com/example/roombook/internal/notify"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.IsProduction(), "process", "worker", "consumer", cfg.RedisConsumer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
}

// run delivers queued notifications from the Redis stream and sends the daily
// recurring-booking reminders until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	dispatcher, err := bootstrap.NewDispatcher(cfg, store, logger)
	if err != nil {
		return err
	}

	eventID, err := notify.IDGenerator(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("event id generator: %w", err)
	}

	redisClient, err := bootstrap.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}

	var (
		wg        sync.WaitGroup
		publisher notify.Publisher
	)
	if redisClient != nil {
		defer redisClient.Close()

		consumer, err := notify.NewStreamConsumer(ctx, redisClient, notify.ConsumerConfig{
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: cfg.RedisConsumer,
		}, logger)
		if err != nil {
			return err
		}
		publisher = notify.NewStreamPublisher(redisClient, cfg.RedisStream, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("consuming events", "stream", cfg.RedisStream, "group", cfg.RedisGroup)
			if err := consumer.Run(ctx, dispatcher); err != nil {
				logger.Error("consumer stopped", "error", err)
			}
		}()
	} else {
		async := notify.NewAsyncPublisher(dispatcher, 64, 1, logger)
		async.Start(context.WithoutCancel(ctx))
		defer async.Close()
		publisher = async
		logger.Warn("no redis configured; only reminders are sent")
	}

	directory := application.NewDirectory(store, 1024, cfg.DirectoryTTL)
	reminders := application.NewReminderService(store, directory, publisher, cfg.Location, eventID, logger)

	next, err := application.NextReminder(time.Now(), cfg.ReminderHour, cfg.Location)
	if err != nil {
		return fmt.Errorf("reminder hour %d: %w", cfg.ReminderHour, err)
	}

	var reminderErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("reminder schedule started", "hour", cfg.ReminderHour, "timezone", cfg.Timezone, "next_run", next)
		reminderErr = reminders.Run(ctx, cfg.ReminderHour)
	}()

	wg.Wait()
	logger.Info("worker stopped")
	return reminderErr
}
