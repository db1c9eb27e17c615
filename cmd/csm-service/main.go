// main package for the csm-service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/csm-service/internal/config"
	"github.com/book-expert/csm-service/internal/core"
	"github.com/book-expert/csm-service/internal/csm"
	"github.com/book-expert/csm-service/internal/handler"
	"github.com/book-expert/csm-service/internal/model"
	"github.com/book-expert/csm-service/internal/objectstore"
	"github.com/book-expert/csm-service/internal/worker"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

const (
	bootstrapLogFile = "csm-service-bootstrap.log"
	serviceLogFile   = "csm-service.log"
	natsClientName   = "csm-service"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// setupStore binds the audio bucket. No bucket configured means no store.
func setupStore(natsConnection *nats.Conn, bucket string, log *logger.Logger) (core.ObjectStore, error) {
	if bucket == "" {
		log.Info("No audio object store bucket configured; audio is returned inline only.")

		return nil, nil
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, bucket, objectstore.WithMaxPayload(natsConnection.MaxPayload()))
	if err != nil {
		return nil, fmt.Errorf("failed to set up object store: %w", err)
	}

	log.Info("Audio object store bucket '%s' ready.", store.Bucket())

	return store, nil
}

func run(ctx context.Context) error {
	// 1. Temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Configuration from the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Final logger based on the loaded configuration
	log, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	// 4. NATS connection and optional audio storage
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		log.Error("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)

		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsConnection.Close()

	store, err := setupStore(natsConnection, cfg.NATS.AudioObjectStoreBucket, log)
	if err != nil {
		log.Error("%v", err)

		return err
	}

	// 5. Model handle, loaded on the first job
	provider, err := model.NewProvider(csm.NewLoader(cfg.CSM, log))
	if err != nil {
		return fmt.Errorf("failed to create model provider: %w", err)
	}

	defer func() {
		closeErr := provider.Close()
		if closeErr != nil {
			log.Error("Failed to release model: %v", closeErr)
		}
	}()

	jobs := handler.New(provider, cfg.CSM, log)

	natsWorker, err := worker.NewNatsWorker(natsConnection, cfg.NATS, cfg.CSM.Timeout(), store, jobs, provider, log)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System(
		"CSM-Service successfully initialized. Loader: %s, fallback: %s, listening on subject: %s",
		cfg.CSM.Loader, cfg.CSM.Fallback, cfg.NATS.RequestSubject,
	)

	err = natsWorker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Worker stopped with error: %v", err)

		return fmt.Errorf("worker failed: %w", err)
	}

	log.System("CSM-Service shut down.")

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
