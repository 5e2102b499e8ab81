// Package app initializes and holds the long-lived services of one worker
// process, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/api"
	"github.com/JakeFAU/crawl-worker/internal/clock/system"
	"github.com/JakeFAU/crawl-worker/internal/config"
	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/dispatcher"
	"github.com/JakeFAU/crawl-worker/internal/engine/headless"
	"github.com/JakeFAU/crawl-worker/internal/hash/sha256"
	"github.com/JakeFAU/crawl-worker/internal/id/uuid"
	"github.com/JakeFAU/crawl-worker/internal/logging"
	"github.com/JakeFAU/crawl-worker/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-worker/internal/progress"
	"github.com/JakeFAU/crawl-worker/internal/progress/sinks"
	"github.com/JakeFAU/crawl-worker/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-worker/internal/queue"
	"github.com/JakeFAU/crawl-worker/internal/queue/memory"
	"github.com/JakeFAU/crawl-worker/internal/queue/redis"
	"github.com/JakeFAU/crawl-worker/internal/reporting"
	"github.com/JakeFAU/crawl-worker/internal/storage/gcs"
	"github.com/JakeFAU/crawl-worker/internal/storage/local"
	memstore "github.com/JakeFAU/crawl-worker/internal/storage/memory"
	"github.com/JakeFAU/crawl-worker/internal/storage/postgres"
	"github.com/JakeFAU/crawl-worker/internal/telemetry"
	"github.com/JakeFAU/crawl-worker/internal/worker"
)

const (
	pingTimeout         = 5 * time.Second
	historyDrainTimeout = 15 * time.Second
	reportFlushTimeout  = 2 * time.Second
)

// Queue is a queue client plus the function releasing its connection.
type Queue struct {
	queue.Client
	ping  func(context.Context) error
	close func() error
}

// Ping checks the backend; memory queues are always reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if q.ping == nil {
		return nil
	}
	return q.ping(ctx)
}

// Close releases the backend connection.
func (q *Queue) Close() error {
	if q.close == nil {
		return nil
	}
	return q.close()
}

// OpenQueue connects the configured backend and opens one session on it.
func OpenQueue(ctx context.Context, cfg config.Config, clock crawler.Clock, logger *zap.Logger) (*Queue, error) {
	return openQueue(ctx, cfg, uuid.NewSessionGenerator(), clock, logger)
}

// sessionID hands out an identity chosen before the queue is opened.
type sessionID string

func (s sessionID) NewID() (string, error) {
	return string(s), nil
}

func openQueue(
	ctx context.Context,
	cfg config.Config,
	sessions crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Queue, error) {
	switch cfg.Queue.Backend {
	case config.QueueMemory:
		q, err := memory.New(memory.NewStore(clock, uuid.NewUUIDGenerator()), sessions)
		if err != nil {
			return nil, fmt.Errorf("open memory queue: %w", err)
		}
		return &Queue{Client: q}, nil
	case config.QueueRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Queue.RedisAddr,
			DB:       cfg.Queue.RedisDB,
			Password: cfg.Queue.RedisPassword,
		})
		q, err := redis.New(client, redis.Config{Name: cfg.Queue.Name}, sessions, clock, logger.Named("queue"))
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := q.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Queue.RedisAddr, err)
		}
		return &Queue{Client: q, ping: q.Ping, close: client.Close}, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// App holds all the shared, long-lived services for one worker process.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	queue      *Queue
	engine     crawler.Engine
	reporter   crawler.ErrorReporter
	tracing    *telemetry.Provider
	dispatcher *dispatcher.Dispatcher
	server     *http.Server
	closers    []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// New builds every service the run command needs. It fails fast when a
// configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err == nil {
			return
		}
		if a.reporter != nil {
			a.reporter.CaptureError(fmt.Errorf("worker startup: %w", err))
			a.reporter.Flush(reportFlushTimeout)
		}
		a.Close()
	}()

	session, err := uuid.NewSessionGenerator().NewID()
	if err != nil {
		return nil, err
	}
	a.logger = logger.With(zap.String("session_id", session))

	// The reporter comes first so a backend that is down at startup is
	// still reported.
	a.reporter, err = newReporter(cfg, session, a.logger)
	if err != nil {
		return nil, err
	}

	a.queue, err = openQueue(ctx, cfg, sessionID(session), clock, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, namedCloser{"queue", a.queue.Close})

	a.tracing, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SessionID:   session,
	})
	if err != nil {
		return nil, err
	}

	blobs, err := a.newBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	a.engine, err = newEngine(cfg, session, blobs, clock, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, namedCloser{"engine", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.engine.Close(ctx)
	}})

	var publisher crawler.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pub, err := pubsub.Dial(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, namedCloser{"pubsub", pub.Close})
		publisher = pub
	}

	var history crawler.HistoryStore
	if cfg.DB.DSN != "" {
		store, err := postgres.NewHistoryStore(ctx, postgres.HistoryStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		sink, err := sinks.NewHistorySink("postgres", store, store.Close)
		if err != nil {
			store.Close()
			return nil, err
		}
		hub := progress.NewHub(progress.Config{Logger: a.logger}, sink, sinks.NewLogSink(a.logger))
		a.closers = append(a.closers, namedCloser{"history", func() error {
			closeCtx, cancel := context.WithTimeout(context.Background(), historyDrainTimeout)
			defer cancel()
			return hub.Close(closeCtx)
		}})
		history = hub
	}

	policy, err := crawler.NewDispositionPolicy(cfg.Retry.Policy, cfg.Retry.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	executor := ratelimit.Wrap(
		crawler.NewExecutor(a.engine, clock, a.tracing.Tracer(), a.logger),
		ratelimit.New(ratelimit.Config{PerHostRPS: cfg.Browser.PerHostRPS, Burst: cfg.Browser.PerHostBurst}),
		a.logger,
	)
	backoff, backoffMax := cfg.ErrorBackoff()

	loops := make([]dispatcher.Loop, 0, cfg.Browser.Count)
	for i := 0; i < cfg.Browser.Count; i++ {
		loops = append(loops, worker.New(a.queue, executor, policy, publisher, history, clock, worker.Config{
			ID:                   i,
			LeaseTimeout:         cfg.LeaseTimeout(),
			BlockTimeout:         cfg.BlockTimeout(),
			IdleInterval:         cfg.IdleInterval(),
			Dwell:                cfg.DwellTime(),
			HardTimeout:          cfg.HardTimeout(),
			Heartbeat:            cfg.HeartbeatInterval(),
			MaxConsecutiveErrors: cfg.Queue.MaxConsecutiveErrors,
			ErrorBackoff:         backoff,
			ErrorBackoffMax:      backoffMax,
			Topic:                cfg.PubSub.TopicName,
		}, logging.ForWorker(a.logger, i)))
	}
	a.dispatcher = dispatcher.New(loops, a.engine, a.reporter, dispatcher.Config{}, a.logger)

	if cfg.Server.Port > 0 {
		srv := api.NewServer(a.dispatcher, a.queue, map[string]api.Check{"queue": a.queue.Ping}, api.Config{
			SessionID: session,
			APIKey:    cfg.Server.APIKey,
		}, a.logger)
		a.server = &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

func newReporter(cfg config.Config, session string, logger *zap.Logger) (crawler.ErrorReporter, error) {
	if cfg.Reporting.SentryDSN == "" {
		return reporting.NewLog(logger), nil
	}
	rep, err := reporting.NewSentry(reporting.Config{
		DSN:         cfg.Reporting.SentryDSN,
		Environment: cfg.Reporting.Environment,
		SessionID:   session,
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (a *App) newBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageMemory:
		return memstore.NewBlobStore(), nil
	case config.StorageLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, nil
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{
			Bucket:   a.cfg.Storage.Bucket,
			Metadata: map[string]string{"session_id": a.queue.SessionID()},
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, namedCloser{"gcs", store.Close})
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func newEngine(cfg config.Config, session string, blobs crawler.BlobStore, clock crawler.Clock, logger *zap.Logger) (crawler.Engine, error) {
	if cfg.Browser.Engine == config.EngineNoop {
		return headless.NewNoop(clock), nil
	}
	engine, err := headless.NewChromedp(headless.Config{
		Browsers:       cfg.Browser.Count,
		Headless:       cfg.Browser.Headless,
		UserAgent:      cfg.Browser.UserAgent,
		ExecPath:       cfg.Browser.ExecPath,
		CrawlDirectory: cfg.Storage.CrawlDirectory,
		SessionID:      session,
		Instruments: headless.Instruments{
			HTTP:           cfg.Browser.HTTPInstrument,
			Cookies:        cfg.Browser.CookieInstrument,
			Navigation:     cfg.Browser.NavigationInstrument,
			JavaScript:     cfg.Browser.JSInstrument,
			SaveJavaScript: cfg.Browser.SaveJavaScript,
		},
	}, blobs, sha256.New(), clock, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("chromedp engine: %w", err)
	}
	return engine, nil
}

// SessionID returns the queue session shared by every loop.
func (a *App) SessionID() string {
	return a.queue.SessionID()
}

// Queue exposes the queue client.
func (a *App) Queue() *Queue {
	return a.queue
}

// Status reports every loop.
func (a *App) Status() []worker.Status {
	return a.dispatcher.Snapshot()
}

// Run serves the ops endpoints and consumes the queue until it drains or
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	if a.server != nil {
		go func() {
			a.logger.Info("ops server listening", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()
	} else {
		close(serveErr)
	}

	runErr := a.dispatcher.Run(ctx)

	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("ops server shutdown", zap.Error(err))
		}
	}
	if err := <-serveErr; err != nil {
		a.logger.Error("ops server failed", zap.Error(err))
	}
	return runErr
}

// Close releases every backend in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown", zap.Error(err))
		}
		a.tracing = nil
	}
	_ = a.logger.Sync()
}
