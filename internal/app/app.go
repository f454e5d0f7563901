// Package app builds the long-lived services shared by the rivercog commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/river-ice-cog/internal/api"
	"github.com/JakeFAU/river-ice-cog/internal/archive"
	"github.com/JakeFAU/river-ice-cog/internal/clock/system"
	"github.com/JakeFAU/river-ice-cog/internal/config"
	"github.com/JakeFAU/river-ice-cog/internal/discovery"
	collyfetcher "github.com/JakeFAU/river-ice-cog/internal/fetcher/colly"
	"github.com/JakeFAU/river-ice-cog/internal/hash/sha256"
	"github.com/JakeFAU/river-ice-cog/internal/id/uuid"
	"github.com/JakeFAU/river-ice-cog/internal/ingest"
	"github.com/JakeFAU/river-ice-cog/internal/ledger"
	"github.com/JakeFAU/river-ice-cog/internal/metrics"
	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/policy/ratelimit"
	"github.com/JakeFAU/river-ice-cog/internal/publish"
	gcppublisher "github.com/JakeFAU/river-ice-cog/internal/publisher/pubsub"
	"github.com/JakeFAU/river-ice-cog/internal/raster/gdal"
	"github.com/JakeFAU/river-ice-cog/internal/stac"
	gcsstorage "github.com/JakeFAU/river-ice-cog/internal/storage/gcs"
	localstorage "github.com/JakeFAU/river-ice-cog/internal/storage/local"
	memorystorage "github.com/JakeFAU/river-ice-cog/internal/storage/memory"
	pgstore "github.com/JakeFAU/river-ice-cog/internal/storage/postgres"
	s3storage "github.com/JakeFAU/river-ice-cog/internal/storage/s3"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    pipeline.ObjectStore
	fetcher  *collyfetcher.Fetcher
	raster   *gdal.Tool
	registry *prometheus.Registry
	recorder *metrics.Recorder

	gcsClient    *gcs.Client
	pubsubClient *pubsub.Client
	notifier     *gcppublisher.Publisher
	outcomes     *pgstore.OutcomeStore
	opsServer    *http.Server
}

// Options override collaborators, mainly for tests.
type Options struct {
	Store  pipeline.ObjectStore
	Runner gdal.Runner
}

// Build creates the application's dependencies. Optional services (outcome
// history, notifications) are only connected when configured.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.recorder = metrics.New(a.registry)
	a.logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Provider),
		zap.String("bucket", cfg.Storage.Bucket),
	)

	if opts.Store != nil {
		a.store = opts.Store
	} else if err := a.setupStorage(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.SourceTimeout(),
		Limiter: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.Source.RequestsPerSecond,
			Burst:             cfg.Source.Burst,
			OnDelay:           a.recorder.ObserveRateLimitDelay,
		}),
	}, logger)
	a.raster = gdal.New(gdal.Config{
		Warp:      cfg.Raster.GDALWarp,
		Translate: cfg.Raster.GDALTranslate,
		Info:      cfg.Raster.GDALInfo,
	}, opts.Runner, logger)

	if err := a.setupHistory(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.setupNotifier(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Provider {
	case "s3":
		a.logger.Info("using S3 storage backend", zap.String("region", a.cfg.Storage.S3.Region))
		a.store, err = s3storage.New(ctx, s3storage.Config{
			Region:       a.cfg.Storage.S3.Region,
			Endpoint:     a.cfg.Storage.S3.Endpoint,
			UsePathStyle: a.cfg.Storage.S3.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
	case "gcs":
		a.logger.Info("using GCS storage backend")
		a.gcsClient, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.store, err = gcsstorage.New(a.gcsClient)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		a.store, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Warn("using in-memory storage backend, nothing will persist")
		a.store = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupHistory(ctx context.Context) error {
	if a.cfg.History.DSN == "" {
		a.logger.Debug("no history dsn, outcome history disabled")
		return nil
	}
	var err error
	a.outcomes, err = pgstore.NewOutcomeStore(ctx, pgstore.OutcomeStoreConfig{
		DSN:   a.cfg.History.DSN,
		Table: a.cfg.History.Table,
	})
	if err != nil {
		return fmt.Errorf("outcome store init failed: %w", err)
	}
	a.logger.Info("outcome history enabled", zap.String("table", a.cfg.History.Table))
	return nil
}

func (a *App) setupNotifier(ctx context.Context) error {
	if a.cfg.Notify.ProjectID == "" || a.cfg.Notify.Topic == "" {
		a.logger.Debug("no pub/sub topic configured, notifications disabled")
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.notifier = gcppublisher.New(a.pubsubClient)
	a.logger.Info("Pub/Sub notifier initialized",
		zap.String("project", a.cfg.Notify.ProjectID),
		zap.String("topic", a.cfg.Notify.Topic),
	)
	return nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Store returns the configured object store.
func (a *App) Store() pipeline.ObjectStore {
	return a.store
}

// Ingestor builds the ingestion orchestrator from configuration.
func (a *App) Ingestor() (*ingest.Orchestrator, error) {
	mark, err := pipeline.ParseMarkPolicy(a.cfg.Ingest.MarkPolicy)
	if err != nil {
		return nil, err
	}
	mode, err := ledger.ParseMatchMode(a.cfg.Ingest.MatchMode)
	if err != nil {
		return nil, err
	}
	walker := discovery.New(a.fetcher, discovery.Config{
		RootURL:       a.cfg.Source.RootURL,
		BasePath:      a.cfg.Source.BasePath,
		Keyword:       a.cfg.Source.Keyword,
		ArchiveSuffix: a.cfg.Source.ArchiveSuffix,
		MaxDepth:      a.cfg.Source.MaxDepth,
	}, a.logger)

	deps := ingest.Deps{
		Store:       a.store,
		Discoverer:  walker,
		Archives:    archive.NewManager(a.cfg.Scratch.Dir, a.fetcher, a.logger),
		Transformer: a.raster,
		Hasher:      sha256.New(),
		Clock:       system.New(),
		IDs:         uuid.New(),
		Metrics:     a.recorder,
	}
	if a.outcomes != nil {
		deps.Outcomes = a.outcomes
	}
	if a.notifier != nil {
		deps.Notifier = a.notifier
	}
	return ingest.New(deps, ingest.Config{
		RootURL:      a.cfg.Source.RootURL,
		Bucket:       a.cfg.Storage.Bucket,
		Folder:       a.cfg.Storage.Folder,
		Keyword:      a.cfg.Source.Keyword,
		RasterSuffix: a.cfg.Source.RasterSuffix,
		Reproject:    a.cfg.ReprojectOptions(),
		MarkPolicy:   mark,
		MatchMode:    mode,
		Cleanup:      a.cfg.Scratch.Cleanup,
		Topic:        a.cfg.Notify.Topic,
	}, a.logger)
}

// Publisher builds the single-item publisher for level. The STAC client is
// created here so the legend command works without STAC credentials.
func (a *App) Publisher(level string) (*publish.Publisher, error) {
	if err := config.ValidateLevel(level); err != nil {
		return nil, err
	}
	registrar, err := stac.New(stac.Config{
		Endpoint: a.cfg.STAC.Endpoint,
		Username: a.cfg.STAC.Username,
		Password: a.cfg.STAC.Password,
		Timeout:  a.cfg.STACTimeout(),
	}, nil, a.logger)
	if err != nil {
		return nil, fmt.Errorf("stac client init failed: %w", err)
	}
	return a.publisher(level, registrar)
}

// LegendPublisher builds a publisher used only for the legend copy.
func (a *App) LegendPublisher(level string) (*publish.Publisher, error) {
	if err := config.ValidateLevel(level); err != nil {
		return nil, err
	}
	return a.publisher(level, noRegistrar{})
}

func (a *App) publisher(level string, registrar pipeline.Registrar) (*publish.Publisher, error) {
	return publish.New(publish.Deps{
		Store:       a.store,
		Transformer: a.raster,
		Thumbnails:  a.raster,
		Registrar:   registrar,
		Clock:       system.New(),
		Metrics:     a.recorder,
	}, publish.Config{
		Level:      level,
		Bucket:     a.cfg.PublishBucket(level),
		Prefix:     a.cfg.Publish.Prefix,
		FTPRoot:    a.cfg.Publish.FTPRoot,
		LegendName: a.cfg.Publish.LegendName,
		Policy:     a.cfg.AccessPolicy(level),
		Reproject:  a.cfg.ReprojectOptions(),
	}, a.logger)
}

type noRegistrar struct{}

func (noRegistrar) Register(context.Context, string, string) (pipeline.RegistrationResult, error) {
	return pipeline.RegistrationResult{}, errors.New("stac registration is not configured")
}

// Checks returns the readiness checks served on /readyz.
func (a *App) Checks() map[string]api.ReadinessCheck {
	return map[string]api.ReadinessCheck{
		"gdal": a.raster.Check,
		"store": func(ctx context.Context) error {
			_, err := a.store.List(ctx, a.cfg.Storage.Bucket, a.cfg.Storage.Folder)
			return err
		},
	}
}

// StartOps serves the ops router when metrics.addr is set. It returns
// immediately; Close shuts the server down.
func (a *App) StartOps(runs api.RunSource) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	srv := api.NewServer(runs, a.Checks(), a.recorder, a.logger)
	a.opsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("ops server started", zap.String("addr", a.cfg.Metrics.Addr))
		if err := a.opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server error", zap.Error(err))
		}
	}()
}

// Recorder exposes the metrics recorder.
func (a *App) Recorder() *metrics.Recorder {
	return a.recorder
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	if a.opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.opsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("ops server shutdown failed", zap.Error(err))
		}
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.outcomes != nil {
		a.outcomes.Close()
	}
	a.logger.Debug("shutdown complete")
}
