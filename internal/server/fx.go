// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-crawler/internal/api"
	"github.com/JakeFAU/magnet-crawler/internal/clock/system"
	"github.com/JakeFAU/magnet-crawler/internal/config"
	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/dedup"
	"github.com/JakeFAU/magnet-crawler/internal/dispatcher"
	"github.com/JakeFAU/magnet-crawler/internal/downloader"
	"github.com/JakeFAU/magnet-crawler/internal/downloader/aria2"
	memorydownloader "github.com/JakeFAU/magnet-crawler/internal/downloader/memory"
	"github.com/JakeFAU/magnet-crawler/internal/downloader/qbittorrent"
	"github.com/JakeFAU/magnet-crawler/internal/downloader/transmission"
	"github.com/JakeFAU/magnet-crawler/internal/extract"
	"github.com/JakeFAU/magnet-crawler/internal/extract/discuz"
	"github.com/JakeFAU/magnet-crawler/internal/extract/magnetlist"
	"github.com/JakeFAU/magnet-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/magnet-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/magnet-crawler/internal/id/uuid"
	"github.com/JakeFAU/magnet-crawler/internal/logging"
	"github.com/JakeFAU/magnet-crawler/internal/metrics"
	"github.com/JakeFAU/magnet-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/magnet-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/magnet-crawler/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/magnet-crawler/internal/publisher/kafka"
	gcppublisher "github.com/JakeFAU/magnet-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/magnet-crawler/internal/scheduler"
	"github.com/JakeFAU/magnet-crawler/internal/settings"
	memorystorage "github.com/JakeFAU/magnet-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/magnet-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/magnet-crawler/internal/storage/redis"
	sqlitestore "github.com/JakeFAU/magnet-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/magnet-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	collectors *metrics.Collectors

	jobStore   crawler.JobStore
	dedupStore crawler.DedupStore
	dedup      *dedup.Cache
	settings   *settings.Store
	transport  *collyfetcher.Fetcher
	pool       *fetcher.Pool
	dispatch   *dispatcher.Dispatcher
	bus        *progress.Bus
	hub        *progress.Hub
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server

	// closers release storage handles in reverse order of creation.
	closers   []func() error
	closeOnce sync.Once
}

// Build creates the application's dependencies. The returned App owns every
// resource it opened; call Close (or Run, which closes on exit) to release
// them.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("dedup", cfg.Dedup.Backend),
		zap.Int("jobs", len(cfg.Jobs)),
	)

	app.registry = metrics.NewRegistry()
	app.collectors = metrics.New(app.registry)

	clock := system.New()
	ids := uuid.New()

	steps := []func(context.Context) error{
		app.setupStores,
		app.setupSettings,
		app.setupEvents,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = app.Close(context.Background())
			return nil, err
		}
	}

	app.dedup = dedup.NewCache(app.dedupStore, dedup.Config{
		Retention:     cfg.Dedup.Retention,
		SweepInterval: cfg.Dedup.SweepInterval,
		OnPurge:       app.collectors.ObservePurged,
	}, clock, logger)

	app.transport = collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})
	app.pool = fetcher.NewPool(
		fetcher.Config{
			Concurrency:    cfg.Fetch.Concurrency,
			PerSiteMax:     cfg.Fetch.PerSiteMax,
			PerSiteCaps:    cfg.Fetch.PerSiteCaps,
			MinSpacing:     cfg.Fetch.MinSpacing,
			RequestTimeout: cfg.Fetch.RequestTimeout,
			ProxyFailures:  cfg.Fetch.ProxyFailures,
			ProxyCooldown:  cfg.Fetch.ProxyCooldown,
			UserAgent:      cfg.Fetch.UserAgent,
		},
		app.transport,
		crawler.NewCircuitBreaker(cfg.Fetch.BreakerThreshold, cfg.Fetch.BreakerCooldown),
		crawler.NewRetryPolicy(cfg.Fetch.MaxAttempts, cfg.Fetch.BackoffBase, cfg.Fetch.BackoffMax),
		clock,
		fetcher.WithLogger(logger),
		fetcher.WithLimiter(ratelimit.New(ratelimit.Config{
			MinSpacing: cfg.Fetch.MinSpacing,
			PerSite:    cfg.Fetch.PerSiteSpacing,
		})),
		fetcher.WithSpacingObserver(app.collectors.ObserveSpacingDelay),
	)

	backends, err := downloaders(cfg.Downloader, logger)
	if err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	app.dispatch, err = dispatcher.New(
		dispatcher.Config{
			Default:        cfg.Downloader.Default,
			SubmitTimeout:  cfg.Downloader.SubmitTimeout,
			MaxAttempts:    cfg.Downloader.MaxAttempts,
			BackoffBase:    cfg.Downloader.BackoffBase,
			BackoffMax:     cfg.Downloader.BackoffMax,
			MaxInFlight:    cfg.Downloader.MaxInFlight,
			RequestHistory: cfg.Downloader.RequestHistory,
		},
		backends,
		ids,
		clock,
		logger,
		dispatcher.WithObserver(retryEvents(app.bus)),
	)
	if err != nil {
		_ = app.Close(context.Background())
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	logger.Info("downloader backends ready", zap.Strings("backends", app.dispatch.Backends()))

	extractors := extract.NewRegistry(discuz.New(), magnetlist.New())
	if err := checkExtractors(cfg.CrawlJobs(), extractors.Keys()); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	logger.Info("extractors registered", zap.Strings("keys", extractors.Keys()))
	runner := worker.New(
		app.pool,
		extractors,
		app.settings,
		app.dedup,
		app.dispatch,
		app.bus,
		worker.Config{Concurrency: cfg.Fetch.Concurrency},
		logger,
	)
	app.scheduler = scheduler.New(
		scheduler.Config{TickInterval: cfg.Scheduler.TickInterval, RunTimeout: cfg.Scheduler.RunTimeout},
		app.jobStore,
		runner,
		ids,
		clock,
		app.bus,
		logger,
	)
	if err := app.seedJobs(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}

	app.apiServer = api.NewServer(
		app.scheduler,
		app.dispatch,
		app.bus,
		app.collectors,
		app.registry,
		api.Config{APIKey: cfg.Server.APIKey},
		logger,
	)
	return app, nil
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "sqlite":
		db, err := sqlitestore.Open(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.jobStore = db
		if a.cfg.Dedup.Backend == "sqlite" {
			a.dedupStore = db
		}
		a.logger.Info("using sqlite store", zap.String("path", db.Path()))
	case "postgres":
		pg, err := pgstore.New(ctx, pgstore.Config{DSN: a.cfg.Store.DSN, MaxConns: a.cfg.Store.MaxConns})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.jobStore = pg
		if a.cfg.Dedup.Backend == "postgres" {
			a.dedupStore = pg
		}
		a.logger.Info("using postgres store")
	default:
		a.jobStore = memorystorage.NewJobStore()
		a.logger.Warn("using in-memory job store; schedules reset on restart")
	}

	switch a.cfg.Dedup.Backend {
	case "redis":
		rs := redisstore.New(redisstore.Config{
			Addr:     a.cfg.Dedup.Redis.Addr,
			Password: a.cfg.Dedup.Redis.Password,
			DB:       a.cfg.Dedup.Redis.DB,
			Prefix:   a.cfg.Dedup.Redis.Prefix,
		})
		a.closers = append(a.closers, rs.Close)
		a.dedupStore = rs
		a.logger.Info("using redis dedup store", zap.String("addr", a.cfg.Dedup.Redis.Addr))
	case "memory":
		a.dedupStore = memorystorage.NewDedupStore()
		a.logger.Warn("using in-memory dedup store; history resets on restart")
	}
	if a.dedupStore == nil {
		return fmt.Errorf("dedup backend %q is not available with store backend %q", a.cfg.Dedup.Backend, a.cfg.Store.Backend)
	}
	return nil
}

func (a *App) setupSettings(context.Context) error {
	if a.cfg.Settings.File == "" {
		a.logger.Warn("no settings file configured; every site will fail with missing configuration")
		a.settings = settings.NewStatic(nil)
		return nil
	}
	store, err := settings.NewFileStore(a.cfg.Settings.File, a.cfg.Settings.RefreshInterval, a.logger.Named("settings"))
	if err != nil {
		return fmt.Errorf("settings init failed: %w", err)
	}
	a.settings = store
	return nil
}

// setupEvents builds the bus and, behind it, the hub that batches events to
// the export sinks.
func (a *App) setupEvents(ctx context.Context) error {
	var sinkList []progress.Sink
	if a.cfg.Events.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger))
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if kc := a.cfg.Events.Kafka; len(kc.Brokers) > 0 && kc.Topic != "" {
		sinkList = append(sinkList, progresssinks.NewPublishSink(kafkapublisher.NewProducer(kc.Brokers, kc.Topic)))
		a.logger.Info("kafka event export enabled", zap.Strings("brokers", kc.Brokers), zap.String("topic", kc.Topic))
	}
	if pc := a.cfg.Events.PubSub; pc.ProjectID != "" && pc.Topic != "" {
		pub, err := gcppublisher.New(ctx, pc.ProjectID, pc.Topic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		sinkList = append(sinkList, progresssinks.NewPublishSink(pub))
		a.logger.Info("pubsub event export enabled", zap.String("project", pc.ProjectID), zap.String("topic", pc.Topic))
	}

	a.hub = progress.NewHub(progress.HubConfig{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	a.bus = progress.NewBus(progress.BusConfig{
		ReplaySize:       a.cfg.Events.ReplaySize,
		SubscriberBuffer: a.cfg.Events.SubscriberBuffer,
		Logger:           a.logger.Named("bus"),
	}, a.hub)
	return nil
}

func downloaders(cfg config.DownloaderConfig, logger *zap.Logger) ([]crawler.Downloader, error) {
	httpClient := downloader.DefaultClient(cfg.SubmitTimeout)
	backends := []crawler.Downloader{memorydownloader.New("")}
	if cfg.QBittorrent.URL != "" {
		qb, err := qbittorrent.New(qbittorrent.Config{
			URL:      cfg.QBittorrent.URL,
			Username: cfg.QBittorrent.Username,
			Password: cfg.QBittorrent.Password,
			Timeout:  cfg.SubmitTimeout,
		}, logger.Named("downloader"))
		if err != nil {
			return nil, err
		}
		backends = append(backends, qb)
	}
	if cfg.Transmission.URL != "" {
		tr, err := transmission.New(transmission.Config{
			URL:      cfg.Transmission.URL,
			Username: cfg.Transmission.Username,
			Password: cfg.Transmission.Password,
		}, httpClient)
		if err != nil {
			return nil, err
		}
		backends = append(backends, tr)
	}
	if cfg.Aria2.URL != "" {
		ar, err := aria2.New(aria2.Config{URL: cfg.Aria2.URL, Secret: cfg.Aria2.Secret, Dir: cfg.Aria2.Dir}, httpClient)
		if err != nil {
			return nil, err
		}
		backends = append(backends, ar)
	}
	return backends, nil
}

// retryEvents turns dispatcher retries into progress events. Accepted and
// failed submissions are reported by the worker.
func retryEvents(events progress.Emitter) dispatcher.Observer {
	return func(req crawler.DownloadRequest) {
		if events == nil || req.State != crawler.DownloadRetrying {
			return
		}
		events.Emit(progress.Event{
			Type:    progress.TypeProgress,
			JobID:   req.JobID,
			RunID:   req.RunID,
			Stage:   progress.StageDownloadRetry,
			Site:    req.Item.Site,
			Level:   progress.LevelWarn,
			Message: req.LastError,
			Fields: map[string]any{
				"request_id": req.ID,
				"hash":       req.Item.Hash,
				"backend":    req.Backend,
				"attempts":   req.Attempts,
			},
		})
	}
}

// seedJobs upserts the configured job definitions and pauses the ones marked
// start_paused.
// checkExtractors rejects jobs whose page layout has no registered extractor.
func checkExtractors(jobs []crawler.Job, keys []string) error {
	for _, job := range jobs {
		key := strings.ToLower(job.ExtractorKey())
		if _, found := slices.BinarySearch(keys, key); !found {
			return fmt.Errorf("%w: job %s uses %q, registered: %s",
				crawler.ErrExtractorUnavailable, job.ID, key, strings.Join(keys, ", "))
		}
	}
	return nil
}

func (a *App) seedJobs(ctx context.Context) error {
	for _, job := range a.cfg.CrawlJobs() {
		if err := a.jobStore.UpsertJob(ctx, job); err != nil {
			return fmt.Errorf("seed job %s: %w", job.ID, err)
		}
	}
	for _, id := range a.cfg.StartPaused() {
		if err := a.scheduler.Pause(ctx, id); err != nil {
			return fmt.Errorf("pause job %s: %w", id, err)
		}
	}
	return nil
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scheduler exposes the job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the scheduler, background maintenance and the HTTP server, and
// blocks until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.settings.Run(ctx)
	go a.dedup.RunSweeper(ctx)
	a.scheduler.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Event streams would otherwise hold Shutdown open until its deadline.
	srv.RegisterOnShutdown(a.bus.Close)

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// RunOnce executes one run of jobID in the foreground and returns its record.
// Paused jobs run too.
func (a *App) RunOnce(ctx context.Context, jobID string) (crawler.RunRecord, error) {
	rec, err := a.scheduler.RunNow(ctx, jobID)
	if err != nil {
		return rec, fmt.Errorf("run %s: %w", jobID, err)
	}
	return rec, nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		if a.bus != nil {
			a.bus.Close()
		}
		if a.hub != nil {
			if err := a.hub.Close(ctx); err != nil {
				a.logger.Warn("progress hub close failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		if a.transport != nil {
			a.transport.Close()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.logger.Warn("store close failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return errors.Join(errs...)
}
