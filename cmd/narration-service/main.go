// main package for the narration-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/zhuiye8/narration-service/internal/assetstore"
	"github.com/zhuiye8/narration-service/internal/config"
	"github.com/zhuiye8/narration-service/internal/contentsource"
	"github.com/zhuiye8/narration-service/internal/core"
	"github.com/zhuiye8/narration-service/internal/downloader"
	"github.com/zhuiye8/narration-service/internal/mediaserve"
	"github.com/zhuiye8/narration-service/internal/pipeline"
	"github.com/zhuiye8/narration-service/internal/provider"
	"github.com/zhuiye8/narration-service/internal/worker"
)

// speechProvider is what the service needs from either provider variant.
type speechProvider interface {
	core.Provider
	mediaserve.HealthChecker
}

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "narration-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	return runService(cfg, finalLog)
}

func runService(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := assetstore.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open asset store: %w", err)
	}

	defer func() {
		closeErr := store.Close()
		if closeErr != nil {
			log.Error("Failed to close asset store: %v", closeErr)
		}
	}()

	prov := buildProvider(cfg, log)

	pipe := buildPipeline(cfg, prov, store, log)

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	defer natsConnection.Close()

	source := contentsource.NewNATSSource(
		natsConnection, cfg.NATS.ContentRequestPrefix, cfg.NATS.ContentTimeout())

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		worker.Subjects{
			BatchRequest:   cfg.NATS.BatchRequestSubject,
			ItemRequest:    cfg.NATS.ItemRequestSubject,
			CleanupRequest: cfg.NATS.CleanupRequestSubject,
			ProgressPrefix: cfg.NATS.ProgressSubjectPrefix,
			ResultPrefix:   cfg.NATS.ResultSubjectPrefix,
		},
		cfg.Storage.AudioDir,
		pipe,
		source,
		store,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create NATS worker: %w", err)
	}

	mediaServer, err := mediaserve.New(
		cfg.Storage.ListenAddr, cfg.Storage.AudioDir, store, prov, log)
	if err != nil {
		return fmt.Errorf("failed to create media server: %w", err)
	}

	log.System("Narration service initialized. Requests on %s and %s, media on %s",
		cfg.NATS.BatchRequestSubject, cfg.NATS.ItemRequestSubject, cfg.Storage.ListenAddr)

	errChan := make(chan error, 2)

	go func() {
		errChan <- natsWorker.Run(ctx)
	}()

	go func() {
		errChan <- mediaServer.Run(ctx)
	}()

	firstErr := <-errChan

	stop()

	secondErr := <-errChan

	if firstErr != nil {
		return firstErr
	}

	return secondErr
}

// buildProvider selects the real HTTP provider when credentials are
// configured, and the disabled variant otherwise.
func buildProvider(cfg *config.Config, log *logger.Logger) speechProvider {
	if !cfg.Provider.Configured() {
		log.Warn("Speech provider not configured; running in degraded mode")

		return provider.NewDisabled()
	}

	return provider.NewHTTPClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout())
}

func buildPipeline(
	cfg *config.Config,
	prov core.Provider,
	store core.AssetStore,
	log *logger.Logger,
) *pipeline.Pipeline {
	down := downloader.New(downloader.Options{
		AudioDir:        cfg.Storage.AudioDir,
		Workers:         cfg.Pipeline.DownloadWorkers,
		Attempts:        cfg.Pipeline.DownloadAttempts,
		AttemptTimeout:  cfg.Pipeline.DownloadTimeout(),
		BatchPause:      cfg.Pipeline.BatchPause(),
		MinPayloadBytes: cfg.Pipeline.MinPayloadBytes,
		AllowedHosts:    cfg.Pipeline.AllowedHosts,
		BackoffBase:     0,
		BackoffCap:      0,
	}, log)

	return pipeline.New(prov, store, down, log, pipeline.Options{
		Voice:         cfg.Provider.Voice,
		PollInterval:  cfg.Pipeline.PollInterval(),
		MaxPollRounds: cfg.Pipeline.MaxPollRounds,
		AudioDir:      cfg.Storage.AudioDir,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
