package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/framemart/framemart/internal/config"
	"github.com/framemart/framemart/internal/credit"
	"github.com/framemart/framemart/internal/database"
	"github.com/framemart/framemart/internal/ffmpeg"
	"github.com/framemart/framemart/internal/hardware"
	"github.com/framemart/framemart/internal/httpclient"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/pipeline/processors"
	"github.com/framemart/framemart/internal/provider"
	"github.com/framemart/framemart/internal/repository"
	"github.com/framemart/framemart/internal/storage"
	"github.com/framemart/framemart/internal/webhook"
	"github.com/framemart/framemart/internal/worker"
)

// app holds the wired service graph shared by the run and worker
// commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *database.DB

	jobs    repository.JobRepository
	frames  repository.FrameRepository
	credits repository.CreditRepository
	ledger  *credit.Ledger

	blobs     storage.BlobStore
	providers *provider.Registry
	pipeline  *core.Executor
	notifier  *webhook.Notifier
	executor  *worker.Executor

	concurrency int
}

// buildApp loads configuration and wires every component up to but not
// including the worker pool.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	initLogging(cfg)
	logger := slog.Default()

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	jobs := repository.NewJobRepository(db.DB)
	frames := repository.NewFrameRepository(db.DB)
	credits := repository.NewCreditRepository(db.DB)
	ledger := credit.NewLedger(credits, logger)

	blobs, err := storage.NewFilesystemBlobStore(cfg.Storage.BlobDir, cfg.Storage.BlobBaseURL)
	if err != nil {
		return nil, fmt.Errorf("initializing blob store: %w", err)
	}

	ff, err := ffmpeg.NewRunner(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath, logger)
	if err != nil {
		return nil, fmt.Errorf("locating ffmpeg: %w", err)
	}

	downloadHTTP := httpclient.DefaultConfig()
	downloadHTTP.Timeout = cfg.Pipeline.HTTPTimeout
	downloadHTTP.RetryAttempts = cfg.Pipeline.RetryAttempts
	downloadHTTP.RetryDelay = cfg.Pipeline.RetryDelay
	downloadHTTP.Logger = logger

	providers, err := buildProviders(cfg, blobs, logger)
	if err != nil {
		return nil, fmt.Errorf("registering providers: %w", err)
	}

	registry := core.NewRegistry()
	if err := processors.RegisterAll(registry, processors.Deps{
		HTTP:   httpclient.New(downloadHTTP),
		FFmpeg: ff,
		Frames: frames,
		Logger: logger,
	}); err != nil {
		return nil, fmt.Errorf("registering processors: %w", err)
	}
	pipeline := core.NewExecutor(registry, logger)

	profile := hardware.Detect(ctx, logger)
	concurrency := profile.FrameConcurrency(cfg.Pipeline.FrameConcurrency)
	logger.Info("hardware profile",
		slog.Int("logical_cores", profile.LogicalCores),
		slog.Uint64("available_mem_mb", profile.AvailableMemMB),
		slog.Int("frame_concurrency", concurrency))

	webhookHTTP := httpclient.DefaultConfig()
	webhookHTTP.RetryAttempts = 0
	webhookHTTP.Timeout = cfg.Webhook.Timeout
	webhookHTTP.Logger = logger
	notifier := webhook.NewNotifier(webhook.Config{
		Secret:   cfg.Webhook.Secret,
		Attempts: cfg.Webhook.Attempts,
		Backoff:  cfg.Webhook.Backoff,
	}, httpclient.New(webhookHTTP), logger)

	executor := worker.NewExecutor(worker.ExecutorConfig{
		WorkRoot:               cfg.Storage.WorkDir,
		Concurrency:            concurrency,
		ProgressThrottle:       cfg.Worker.ProgressThrottle,
		StrictIOValidation:     cfg.Pipeline.StrictIOValidation,
		RetainSandboxOnFailure: cfg.Storage.RetainSandboxOnFailure,
	}, pipeline, providers, blobs, jobs, ledger, notifier, logger)

	return &app{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		jobs:        jobs,
		frames:      frames,
		credits:     credits,
		ledger:      ledger,
		blobs:       blobs,
		providers:   providers,
		pipeline:    pipeline,
		notifier:    notifier,
		executor:    executor,
		concurrency: concurrency,
	}, nil
}

// buildProviders registers every configured backend. Gemini covers the
// analysis kinds, rembg and claid compete on background removal, and
// the built-in imaging provider handles transforms and commercial
// synthesis locally.
func buildProviders(cfg *config.Config, blobs storage.BlobStore, logger *slog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	geminiHTTP := httpclient.DefaultConfig()
	geminiHTTP.Timeout = cfg.Providers.Gemini.Timeout
	geminiHTTP.Logger = logger
	var geminiOpts []provider.GeminiOption
	geminiOpts = append(geminiOpts, provider.WithGeminiHTTPClient(httpclient.New(geminiHTTP)))
	if cfg.Providers.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, provider.WithGeminiBaseURL(cfg.Providers.Gemini.BaseURL))
	}
	gemini := provider.NewGemini(cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.Model, logger, geminiOpts...)
	for _, kind := range []provider.Kind{
		provider.KindClassification,
		provider.KindUnifiedAnalyzer,
		provider.KindProductExtraction,
	} {
		if err := reg.Register(kind, gemini); err != nil {
			return nil, err
		}
	}

	rembgHTTP := httpclient.DefaultConfig()
	rembgHTTP.Timeout = cfg.Providers.Rembg.Timeout
	rembgHTTP.Logger = logger
	rembg := provider.NewRembg(cfg.Providers.Rembg.BaseURL, logger, httpclient.New(rembgHTTP))
	if err := reg.Register(provider.KindBackgroundRemoval, rembg); err != nil {
		return nil, err
	}

	claidHTTP := httpclient.DefaultConfig()
	claidHTTP.Timeout = cfg.Providers.Claid.Timeout
	claidHTTP.Logger = logger
	claidOpts := []provider.ClaidOption{
		provider.WithClaidHTTPClient(httpclient.New(claidHTTP)),
		provider.WithClaidPublisher(publishToBlobStore(blobs)),
	}
	if cfg.Providers.Claid.BaseURL != "" {
		claidOpts = append(claidOpts, provider.WithClaidBaseURL(cfg.Providers.Claid.BaseURL))
	}
	claid := provider.NewClaid(cfg.Providers.Claid.APIKey, logger, claidOpts...)
	if err := reg.Register(provider.KindBackgroundRemoval, claid); err != nil {
		return nil, err
	}
	if err := reg.Register(provider.KindUpscaler, claid); err != nil {
		return nil, err
	}

	// With both removal backends configured, split traffic evenly;
	// seeds are per job so redelivery stays on one variant.
	if rembg.IsAvailable() && claid.IsAvailable() {
		if err := reg.SetABTest(provider.KindBackgroundRemoval, provider.ABTest{
			ID:           "bg-removal-rembg-vs-claid",
			VariantA:     rembg.ProviderID(),
			VariantB:     claid.ProviderID(),
			SplitPercent: 50,
		}); err != nil {
			return nil, err
		}
	}

	imaging := provider.NewImaging(logger)
	if err := reg.Register(provider.KindImageTransform, imaging); err != nil {
		return nil, err
	}
	if err := reg.Register(provider.KindCommercialImage, imaging); err != nil {
		return nil, err
	}

	return reg, nil
}

// publishToBlobStore makes a local file publicly fetchable through the
// blob store, which claid needs since its API pulls inputs by URL.
func publishToBlobStore(blobs storage.BlobStore) func(string) (string, error) {
	return func(localPath string) (string, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return "", fmt.Errorf("opening file for publication: %w", err)
		}
		defer f.Close()

		key := "inbox/" + uuid.NewString() + "-" + filepath.Base(localPath)
		return blobs.Put(context.Background(), key, f, "application/octet-stream")
	}
}

// close releases the app's long-lived resources.
func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database", slog.String("error", err.Error()))
	}
}
