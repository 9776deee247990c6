// Package app assembles the storage core from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/h8rt3rmin8r/faceforge/internal/blob"
	"github.com/h8rt3rmin8r/faceforge/internal/config"
	"github.com/h8rt3rmin8r/faceforge/internal/extract"
	"github.com/h8rt3rmin8r/faceforge/internal/httpapi"
	"github.com/h8rt3rmin8r/faceforge/internal/ingest"
	"github.com/h8rt3rmin8r/faceforge/internal/jobs"
	"github.com/h8rt3rmin8r/faceforge/internal/metrics"
	"github.com/h8rt3rmin8r/faceforge/internal/retrieval"
	"github.com/h8rt3rmin8r/faceforge/internal/store"
)

// ErrHomeInUse is returned by Start when another process already runs the
// job engine for the same home.
var ErrHomeInUse = errors.New("home is in use by another faceforge-core process")

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    *store.SQLite
	Router   *blob.Router
	Pipeline *extract.Pipeline
	Ingest   *ingest.Service
	Gateway  *retrieval.Gateway
	Jobs     *jobs.Engine
	Metrics  *metrics.Metrics

	lock *flock.Flock
}

// New opens the database and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	local, err := blob.NewLocalFS(cfg.AssetsDir())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	var remote blob.Provider
	if s3cfg := cfg.Storage.S3; s3cfg.Configured() {
		p, err := blob.NewS3(ctx, blob.S3Options{
			EndpointURL:        s3cfg.EndpointURL,
			AccessKey:          s3cfg.AccessKey,
			SecretKey:          s3cfg.SecretKey,
			Region:             s3cfg.Region,
			Bucket:             s3cfg.Bucket,
			UseSSL:             s3cfg.UseSSL,
			MultipartThreshold: s3cfg.MultipartThreshold,
		}, logger.With("component", "s3"))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("configure s3: %w", err)
		}
		remote = p
	} else if s3cfg.Enabled {
		logger.Warn("s3 enabled but incomplete, writes stay on fs")
	}
	router := blob.NewRouter(local, remote, cfg.Storage.Routing,
		blob.WithLogger(logger.With("component", "storage")),
		blob.WithProbeTimeout(cfg.Storage.S3.ProbeTimeout),
		blob.WithFallbackRecorder(m),
	)

	pipeline, err := newPipeline(cfg, st, router, logger, m)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	svc := ingest.NewService(ingest.Options{
		Store:      st,
		Router:     router,
		Extraction: pipeline,
		StagingDir: cfg.StagingDir(),
		Logger:     logger.With("component", "ingest"),
		Recorder:   m,
	})

	engine := jobs.NewEngine(st, jobs.Options{
		Workers:      cfg.Jobs.Workers,
		PollInterval: cfg.Jobs.PollInterval,
		Logger:       logger.With("component", "jobs"),
		Recorder:     m,
	})
	engine.Register(ingest.BulkImportJobType, ingest.NewBulkImporter(svc).Handle)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Router:   router,
		Pipeline: pipeline,
		Ingest:   svc,
		Gateway:  retrieval.NewGateway(st, router, logger.With("component", "retrieval"), m),
		Jobs:     engine,
		Metrics:  m,
	}, nil
}

func newPipeline(cfg config.Config, st *store.SQLite, router *blob.Router, logger *slog.Logger, m *metrics.Metrics) (*extract.Pipeline, error) {
	skipper, err := extract.NewSkipper(cfg.Extraction.SkipPatterns)
	if err != nil {
		return nil, err
	}
	opts := extract.Options{
		Store:      st,
		Providers:  router,
		Skipper:    skipper,
		Workers:    cfg.Extraction.Workers,
		QueueSize:  cfg.Extraction.QueueSize,
		StagingDir: cfg.StagingDir(),
		Logger:     logger.With("component", "extract"),
		Recorder:   m,
	}
	if cfg.Tools.ExifToolEnabled {
		path, err := extract.ResolveExifTool(cfg.Tools.ExifToolPath, cfg.ToolsDir())
		if err != nil {
			logger.Warn("metadata extraction disabled", "error", err)
		} else {
			logger.Info("metadata extraction enabled", "exiftool", path)
			opts.Extractor = &extract.ExifTool{Path: path, Timeout: cfg.Extraction.Timeout, TempDir: cfg.StagingDir()}
		}
	}
	return extract.NewPipeline(opts), nil
}

// Start takes the home lock, then launches the extraction workers and the
// job engine. Job recovery only runs under the lock.
func (a *App) Start(ctx context.Context) error {
	path := a.Config.LockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock home: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrHomeInUse, a.Config.Home)
	}
	a.lock = lock

	a.Pipeline.Start(context.WithoutCancel(ctx))
	return a.Jobs.Start(ctx)
}

func (a *App) Handler() http.Handler {
	return httpapi.Server{
		Store:   a.Store,
		Ingest:  a.Ingest,
		Gateway: a.Gateway,
		Jobs:    a.Jobs,
		Metrics: a.Metrics,
		Logger:  a.Logger.With("component", "http"),
	}.Router()
}

// Close stops the job engine, drains extraction, closes the database and
// releases the home lock.
func (a *App) Close(timeout time.Duration) error {
	var errs []error
	if err := a.Jobs.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("stop jobs: %w", err))
	}
	if err := a.Pipeline.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stop extraction: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release home lock: %w", err))
		}
		a.lock = nil
	}
	return errors.Join(errs...)
}
