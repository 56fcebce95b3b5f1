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

	"github.com/evault/ledgerops/internal/api"
	"github.com/evault/ledgerops/internal/config"
	"github.com/evault/ledgerops/internal/events"
	"github.com/evault/ledgerops/internal/ratelimit"
	"github.com/evault/ledgerops/internal/service"
	"github.com/evault/ledgerops/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	var st store.Store
	switch cfg.StorageBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage; data is lost on restart")
		st = store.NewMemoryStore()
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
	}

	publisher := events.Connect(cfg.RabbitMQURL, cfg.EventsExchange, logger)
	defer publisher.Close()

	var limiter api.RateLimiter
	redisClient, err := ratelimit.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis configuration: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, limiter will fail open", "error", err)
		}
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitPrefix, cfg.RateLimitPerMinute, time.Minute)
	}

	currencies := cfg.Currencies()
	guard := service.NewIdempotencyGuard(st, cfg.IdempotencyWaitTimeout, cfg.IdempotencyPollInterval, logger)
	resolver := service.NewResolver(st, cfg.PhoneDefaultRegion, logger)
	transfers := service.NewTransferService(st, guard, resolver, publisher, currencies, logger)
	accounts := service.NewAccountService(st, currencies, cfg.PhoneDefaultRegion, logger)

	// The standalone reconciler cannot see an in-process store.
	if cfg.StorageBackend == config.BackendMemory {
		reconciler := service.NewReconciler(st, service.ReconcilerConfig{
			PendingTimeout: cfg.ReconcilePendingTimeout,
			BatchSize:      cfg.ReconcileBatchSize,
			KeyRetention:   cfg.IdempotencyRetention,
		}, publisher, logger)
		scheduler := service.NewScheduler(reconciler, cfg.ReconcileSchedule, cfg.ReconcilePendingTimeout, logger)
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	handler := api.NewHandler(transfers, accounts, resolver, limiter, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "storage", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
