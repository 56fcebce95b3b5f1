package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/evault/ledgerops/internal/config"
	"github.com/evault/ledgerops/internal/events"
	"github.com/evault/ledgerops/internal/service"
	"github.com/evault/ledgerops/internal/store"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	if err := run(*once); err != nil {
		slog.Error("reconciler exited", "error", err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := cfg.Logger().With("component", "reconciler")
	slog.SetDefault(logger)

	if cfg.StorageBackend != config.BackendPostgres {
		return fmt.Errorf("the reconciler needs STORAGE_BACKEND=%s; the memory backend reconciles inside the API process", config.BackendPostgres)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	publisher := events.Connect(cfg.RabbitMQURL, cfg.EventsExchange, logger)
	defer publisher.Close()

	reconciler := service.NewReconciler(pg, service.ReconcilerConfig{
		PendingTimeout: cfg.ReconcilePendingTimeout,
		BatchSize:      cfg.ReconcileBatchSize,
		KeyRetention:   cfg.IdempotencyRetention,
	}, publisher, logger)

	if once {
		if _, err := reconciler.Sweep(ctx); err != nil {
			return fmt.Errorf("reconciliation sweep: %w", err)
		}
		return nil
	}

	scheduler := service.NewScheduler(reconciler, cfg.ReconcileSchedule, cfg.ReconcilePendingTimeout, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("stopping scheduler")
	<-scheduler.Stop().Done()
	return nil
}
