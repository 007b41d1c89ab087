package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"entity-extractor/internal/config"
	"entity-extractor/internal/geministore"
	"entity-extractor/internal/logging"
	"entity-extractor/internal/pdftext"
	"entity-extractor/internal/postgresdb"
	"entity-extractor/internal/processor"
	"entity-extractor/internal/s3"
	"entity-extractor/internal/valkeydb"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgresDB, err := postgresdb.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer postgresDB.Close()

	valkeyQueue, err := valkeydb.New(ctx, cfg.ValkeyURL, cfg.ValkeyPassword)
	if err != nil {
		return err
	}
	defer valkeyQueue.Close()

	if backlog, err := valkeyQueue.Len(ctx); err == nil {
		logger.Info("worker starting", "queue", valkeyQueue.Queue, "backlog", backlog)
	}

	s3Store, err := s3.NewFileStore(ctx, cfg.S3)
	if err != nil {
		return err
	}

	opts := []processor.Option{processor.WithLogger(logger)}
	if cfg.GeminiAPIKey != "" {
		gemini, err := geministore.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return err
		}
		opts = append(opts, processor.WithFallback(gemini))
	}

	extractor := pdftext.New(pdftext.WithSkipBrokenPages(), pdftext.WithLogger(logger))
	workerQueue := processor.NewJobProcessor(postgresDB, valkeyQueue, s3Store, cfg.BucketName, extractor, opts...)

	if err := workerQueue.Run(ctx); err != nil {
		return err
	}
	logger.Info("worker shutdown complete")
	return nil
}
