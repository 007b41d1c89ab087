package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entity-extractor/internal/api"
	"entity-extractor/internal/config"
	"entity-extractor/internal/entity"
	"entity-extractor/internal/entity/onnx"
	"entity-extractor/internal/logging"
	"entity-extractor/internal/postgresdb"
	"entity-extractor/internal/s3"
	"entity-extractor/internal/valkeydb"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "error", err)
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
	if err := cfg.ValidateAPI(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgresDB, err := postgresdb.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer postgresDB.Close()

	if err := postgresDB.EnsureSchema(ctx); err != nil {
		return err
	}

	valkeyQueue, err := valkeydb.New(ctx, cfg.ValkeyURL, cfg.ValkeyPassword)
	if err != nil {
		return err
	}
	defer valkeyQueue.Close()

	s3Store, err := s3.NewFileStore(ctx, cfg.S3)
	if err != nil {
		return err
	}
	logger.Info("S3 FileStore initialized", "bucket", cfg.BucketName)

	model, err := loadModel(cfg, logger)
	if err != nil {
		return err
	}
	defer onnx.Shutdown()
	defer model.Close()

	apiHandler := api.NewAPIHandler(postgresDB, valkeyQueue, s3Store, cfg.BucketName, model, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping api")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadModel(cfg config.Config, logger *slog.Logger) (*entity.Model, error) {
	opts := []entity.Option{entity.WithLogger(logger)}
	if cfg.ModelLabelsPath != "" {
		labels, err := entity.LoadLabels(cfg.ModelLabelsPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, entity.WithLabels(labels))
	}

	backend := onnx.New(onnx.Config{
		LibraryPath:    cfg.OnnxLibraryPath,
		InputName:      cfg.ModelInputName,
		OutputName:     cfg.ModelOutputName,
		IntraOpThreads: cfg.IntraOpThreads,
		Logger:         logger,
	})
	return entity.Load(cfg.ModelPath, backend, opts...)
}
