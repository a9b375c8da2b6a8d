// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/api"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/config"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/dispatcher"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/events"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/events/sinks"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
	collyfetcher "github.com/JakeFAU/realtime-cpi-extractor/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/hash/sha256"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/realtime-cpi-extractor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-cpi-extractor/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/realtime-cpi-extractor/internal/queue/memory"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/engine"
	gcsstorage "github.com/JakeFAU/realtime-cpi-extractor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-cpi-extractor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/realtime-cpi-extractor/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-cpi-extractor/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/telemetry"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/worker"
)

// Version is stamped into traces and the serve banner.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	runtime      *sandbox.Runtime
	hub          *events.Hub
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	queue        *queueMemory.Queue
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	storage      *storage.Client
	pool         *pgxpool.Pool
	documents    extraction.DocumentStore

	tracerShutdown func(context.Context) error
}

// LoadComponent loads the extractor component at path, or the embedded
// builtin when path is empty.
func LoadComponent(path string) (*engine.Image, error) {
	if path == "" {
		img, err := engine.Builtin()
		if err != nil {
			return nil, fmt.Errorf("load builtin component: %w", err)
		}
		return img, nil
	}
	img, err := engine.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load component: %w", err)
	}
	return img, nil
}

// NewRuntime builds and starts a sandbox runtime for cfg. The caller owns
// Close.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, emitter events.Emitter) (*sandbox.Runtime, error) {
	image, err := LoadComponent(cfg.Sandbox.ComponentPath)
	if err != nil {
		return nil, err
	}
	rt, err := sandbox.New(cfg.SandboxRuntimeConfig(), image,
		sandbox.WithLogger(logger),
		sandbox.WithEmitter(emitter),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox init failed: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		_ = rt.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("sandbox start failed: %w", err)
	}
	info := rt.Info()
	logger.Info("sandbox runtime started",
		zap.String("component", info.Name),
		zap.String("version", info.Version),
		zap.String("digest", info.Digest),
		zap.Int("max_concurrency", cfg.Pool.MaxConcurrency),
	)
	return rt, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started", zap.String("version", Version))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive the signal so queued jobs drain after the queue closes.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(workCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before the shutdown deadline")
		cancelWork()
		<-dispatchDone
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	if a.runtime != nil {
		if err := a.runtime.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sandbox close: %w", err))
		}
	}
	// The hub flushes through the publisher and the call store, so it goes
	// before them.
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.documents != nil {
		a.documents.Close()
	} else if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// Build creates the application's dependencies. On error everything built so
// far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("workers", cfg.Pipeline.Workers),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.TracerConfig(Version))
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	callStore, err := setupDatabase(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	app.hub, err = setupEvents(ctx, app, publisher, callStore)
	if err != nil {
		return nil, err
	}
	app.runtime, err = NewRuntime(ctx, cfg, logger, app.hub)
	if err != nil {
		return nil, err
	}

	jobStore := memoryStorage.NewJobStore()
	fetcher := collyfetcher.New(cfg.FetcherConfig())
	app.queue = queueMemory.NewQueue(cfg.Pipeline.QueueDepth)
	app.dispatch = setupDispatcher(app, worker.Deps{
		Queue:     app.queue,
		Jobs:      jobStore,
		Documents: app.documents,
		Blobs:     blobStore,
		Publisher: publisher,
		Extractor: app.runtime,
		Fetcher:   fetcher,
		Limiter:   ratelimit.New(cfg.RateLimitConfig()),
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.NewUUIDGenerator(),
	})

	app.apiServer = api.NewServer(api.Deps{
		Runtime: app.runtime,
		Jobs:    jobStore,
		Queue:   app.dispatch,
		Fetcher: fetcher,
		IDs:     uuid.NewUUIDGenerator(),
		Clock:   system.New(),
	}, *cfg, logger.Named("api"))

	return app, nil
}

func setupStorage(ctx context.Context, app *App) (extraction.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

// setupDatabase connects Postgres when a DSN is configured and returns the
// call store for the event hub (nil when disabled).
func setupDatabase(ctx context.Context, app *App) (extraction.CallStore, error) {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, skipping document and call stores")
		return nil, nil
	}
	var err error
	app.pool, err = pgstore.Connect(ctx, app.cfg.PostgresConfig())
	if err != nil {
		return nil, fmt.Errorf("database connect failed: %w", err)
	}
	if app.cfg.Database.AutoMigrate {
		if err := pgstore.EnsureSchema(ctx, app.pool); err != nil {
			return nil, fmt.Errorf("database schema failed: %w", err)
		}
	}
	docs, err := pgstore.NewDocumentStore(app.pool, "")
	if err != nil {
		return nil, fmt.Errorf("document store init failed: %w", err)
	}
	app.documents = docs
	app.logger.Info("document store initialized")

	if !app.cfg.Events.RecordCalls {
		return nil, nil
	}
	calls, err := pgstore.NewCallStore(app.pool, "")
	if err != nil {
		return nil, fmt.Errorf("call store init failed: %w", err)
	}
	return calls, nil
}

func setupPublisher(ctx context.Context, app *App) (extraction.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
		zap.String("alarm_topic", app.cfg.Alarms.Topic),
	)
	return app.publisher, nil
}

func setupEvents(
	ctx context.Context,
	app *App,
	publisher extraction.Publisher,
	callStore extraction.CallStore,
) (*events.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{
		promSink,
		sinks.NewLogSink(app.logger.Named("events")),
	}
	if callStore != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(callStore))
		app.logger.Debug("Added call store sink")
	}
	if app.cfg.Alarms.Topic != "" {
		alarmSink, err := sinks.NewAlarmSink(publisher, app.cfg.Alarms.Topic)
		if err != nil {
			return nil, fmt.Errorf("alarm sink init failed: %w", err)
		}
		sinkList = append(sinkList, alarmSink)
		app.logger.Debug("Added alarm sink", zap.String("topic", app.cfg.Alarms.Topic))
	}

	hubCfg := app.cfg.HubConfig()
	hubCfg.BaseContext = context.WithoutCancel(ctx)
	hubCfg.Logger = app.logger.Named("event_hub")
	hub := events.NewHub(hubCfg, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return hub, nil
}

func setupDispatcher(app *App, deps worker.Deps) *dispatcher.Dispatcher {
	workerCfg := app.cfg.WorkerConfig()
	app.logger.Info("worker config",
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
		zap.Int("max_retries", workerCfg.MaxRetries),
		zap.Duration("retry_backoff_base", workerCfg.RetryBackoffBase),
	)
	runners := make([]dispatcher.Runner, 0, app.cfg.Pipeline.Workers)
	for i := 0; i < app.cfg.Pipeline.Workers; i++ {
		runners = append(runners, worker.New(deps, workerCfg, app.logger.Named("worker").With(zap.Int("index", i))))
	}
	return dispatcher.New(app.queue, runners)
}
