package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/example/roombook/internal/application"
	"github.com/example/roombook/internal/bootstrap"
	"github.com/example/roombook/internal/config"
	httptransport "github.com/example/roombook/internal/http"
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
	logger := logging.Setup(cfg.IsProduction(), "process", "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()

	eventID, err := notify.IDGenerator(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("event id generator: %w", err)
	}

	redisClient, err := bootstrap.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}

	// With Redis the worker process delivers events; without it they are
	// delivered in-process.
	var (
		publisher notify.Publisher
		health    func(context.Context) error
	)
	if redisClient != nil {
		defer redisClient.Close()
		publisher = notify.NewStreamPublisher(redisClient, cfg.RedisStream, logger)
		health = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		logger.Info("publishing events to redis", "stream", cfg.RedisStream)
	} else {
		dispatcher, err := bootstrap.NewDispatcher(cfg, store, logger)
		if err != nil {
			return err
		}
		async := notify.NewAsyncPublisher(dispatcher, 256, 2, logger)
		async.Start(context.WithoutCancel(ctx))
		defer async.Close()
		publisher = async
		logger.Info("delivering events in-process")
	}

	directory := application.NewDirectory(store, 1024, cfg.DirectoryTTL)

	bookings := application.NewBookingService(application.BookingServiceConfig{
		Store:          store,
		Directory:      directory,
		Publisher:      publisher,
		Location:       cfg.Location,
		OversightEmail: cfg.OversightEmail,
		EventID:        eventID,
		Logger:         logger,
	})
	rooms := application.NewRoomServiceWithLogger(store, directory, nil, time.Now, logger)
	users := application.NewUserService(store, directory, nil, time.Now, logger)
	push := application.NewPushService(store, nil, time.Now, logger)
	auth := application.NewAuthServiceWithLogger([]byte(cfg.JWTSecret), directory, time.Now, logger)

	handler := httptransport.NewRouter(httptransport.RouterConfig{
		Auth:        auth,
		Bookings:    httptransport.NewBookingHandler(bookings, cfg.Location, logger),
		Rooms:       httptransport.NewRoomHandler(rooms, logger),
		Users:       httptransport.NewUserHandler(users, logger),
		Push:        httptransport.NewPushHandler(push, logger),
		RateLimiter: httptransport.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger),
		Health:      health,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	logger.Info("booking API listening", "addr", server.Addr, "timezone", cfg.Timezone)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
