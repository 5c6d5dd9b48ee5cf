package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/config"
	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/experiment"
	"github.com/lalithlochan/notifylab/internal/metrics"
	"github.com/lalithlochan/notifylab/internal/observ"
	"github.com/lalithlochan/notifylab/internal/sqs"
	"github.com/lalithlochan/notifylab/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.SQSQueueURL == "" {
		return errors.New("SQS_QUEUE_URL is required")
	}
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("event worker needs STORE_DRIVER=postgres, got %s", cfg.StoreDriver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DBConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	client, err := sqs.NewClient(ctx, sqs.Config{
		Region:   cfg.AWSRegion,
		QueueURL: cfg.SQSQueueURL,
		Endpoint: cfg.AWSEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to create sqs client: %w", err)
	}

	w := worker.New(
		sqs.NewConsumer(client, cfg.SQSQueueURL, logger),
		db.NewRepository(database, logger),
		experiment.NewEventRecorder(logger),
		worker.Config{},
		logger,
	)

	// Metrics endpoint on the configured port
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("event worker started",
		zap.String("queue_url", cfg.SQSQueueURL),
		zap.Int("metrics_port", cfg.Port),
	)

	w.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("event worker stopped")
	return nil
}
