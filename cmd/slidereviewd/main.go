// Command slidereviewd serves the slide-label review queue: it loads the
// OCR snapshot, seeds the lease queue, and exposes the review API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/slidereviewd/internal/config"
	httpserver "github.com/fyrsmithlabs/slidereviewd/internal/http"
	"github.com/fyrsmithlabs/slidereviewd/internal/logging"
	"github.com/fyrsmithlabs/slidereviewd/internal/queue"
	"github.com/fyrsmithlabs/slidereviewd/internal/records"
	"github.com/fyrsmithlabs/slidereviewd/internal/review"
	"github.com/fyrsmithlabs/slidereviewd/internal/telemetry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("slidereviewd %s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "slidereviewd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(&logging.Config{Level: level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting slidereviewd",
		zap.String("version", version),
		zap.String("snapshot", cfg.Snapshot.Path))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	store := records.NewStore(cfg.Snapshot.Path, logger.Named("records"))
	if err := store.Load(); err != nil {
		return err
	}
	if err := store.Watch(); err != nil {
		logger.Warn("snapshot watcher unavailable, relying on mtime checks", zap.Error(err))
	} else {
		defer store.Close()
	}

	qstore, err := queue.OpenStore(cfg.Queue.DBPath)
	if err != nil {
		return err
	}
	defer qstore.Close()

	qsvc, err := queue.NewService(qstore, cfg.Queue.LeaseDuration.Duration(),
		logger.Named("queue"), tel.TracerProvider(), tel.MeterProvider())
	if err != nil {
		return err
	}

	completed := make(map[int]bool)
	for i, rec := range store.Records() {
		completed[i] = rec.IsComplete
	}
	if _, err := qsvc.Populate(ctx, store.Len(), completed); err != nil {
		return err
	}

	rec, err := review.New(store, qsvc, cfg.Snapshot.BackupDir,
		logger.Named("review"), tel.TracerProvider(), tel.MeterProvider())
	if err != nil {
		return err
	}

	srv, err := httpserver.NewServer(&cfg.Server, store, qsvc, rec,
		cfg.Snapshot.ImageDir, logger.Named("http"), tel.MeterProvider())
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("slidereviewd stopped")
	return nil
}
