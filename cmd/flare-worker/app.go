package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/flare-worker/internal/actor"
	"github.com/phrazzld/flare-worker/internal/cache"
	"github.com/phrazzld/flare-worker/internal/config"
	"github.com/phrazzld/flare-worker/internal/email"
	"github.com/phrazzld/flare-worker/internal/events"
	"github.com/phrazzld/flare-worker/internal/metrics"
	"github.com/phrazzld/flare-worker/internal/moderation"
	"github.com/phrazzld/flare-worker/internal/platform/gemini"
	"github.com/phrazzld/flare-worker/internal/platform/memstore"
	"github.com/phrazzld/flare-worker/internal/platform/postgres"
	"github.com/phrazzld/flare-worker/internal/platform/sqlite"
	"github.com/phrazzld/flare-worker/internal/queue"
	"github.com/phrazzld/flare-worker/internal/ratelimit"
	"github.com/phrazzld/flare-worker/internal/redact"
	"github.com/phrazzld/flare-worker/internal/service/auth"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/phrazzld/flare-worker/internal/version"
	"github.com/phrazzld/flare-worker/internal/workflow"
	"github.com/phrazzld/flare-worker/internal/workflows"
)

// Storage backends selected by database.url.
const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
)

// stores groups the persistence interfaces of one backend.
type stores struct {
	backend   string
	db        *sql.DB
	kv        store.KVStore
	queue     store.QueueStore
	workflows store.WorkflowStore
	posts     store.PostStore
	comments  store.CommentStore
}

// openStores picks the backend from the database URL: postgres:// and
// postgresql:// select PostgreSQL, an empty URL keeps everything in memory,
// and anything else is a SQLite file path (an optional sqlite:// prefix is
// stripped).
func openStores(ctx context.Context, url string) (*stores, error) {
	switch {
	case url == "":
		content := memstore.NewContentStore()
		return &stores{
			backend:   backendMemory,
			kv:        memstore.NewKVStore(),
			queue:     memstore.NewQueueStore(),
			workflows: memstore.NewWorkflowStore(),
			posts:     content,
			comments:  content,
		}, nil

	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := postgres.Open(ctx, url)
		if err != nil {
			return nil, err
		}
		content := postgres.NewContentStore(db)
		return &stores{
			backend:   backendPostgres,
			db:        db,
			kv:        postgres.NewKVStore(db),
			queue:     postgres.NewQueueStore(db),
			workflows: postgres.NewWorkflowStore(db),
			posts:     content,
			comments:  content,
		}, nil

	default:
		db, err := sqlite.Open(ctx, strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, err
		}
		content := sqlite.NewContentStore(db)
		return &stores{
			backend:   backendSQLite,
			db:        db,
			kv:        sqlite.NewKVStore(db),
			queue:     sqlite.NewQueueStore(db),
			workflows: sqlite.NewWorkflowStore(db),
			posts:     content,
			comments:  content,
		}, nil
	}
}

// application holds the wired components shared by every subcommand.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	*stores

	hashHost  *actor.Host
	rateHost  *actor.Host
	hasher    *auth.Hasher
	limiter   *ratelimit.Limiter
	cache     *cache.Service
	email     *email.Service
	broker    *queue.Broker
	consumer  *queue.Consumer
	engine    *workflow.Engine
	bus       *events.Bus
	versions  *version.Service
	moderator moderation.Moderator
}

// newApplication opens the configured backend and wires every component.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	st, err := openStores(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q backend: %w", backendName(cfg.Database.URL), err)
	}
	logger.Info("storage backend ready", "backend", st.backend, "database", redact.URL(cfg.Database.URL))

	app := &application{config: cfg, logger: logger, stores: st}
	if cfg.Metrics.Enabled {
		app.metrics = metrics.NewCollector()
	}

	app.hashHost = actor.NewHost(actor.Config{
		Kind:         "hash",
		CleanupAfter: cfg.Actor.IdleTimeout,
		Budget:       cfg.Actor.Budget,
	}, st.kv, logger, app.metrics)
	app.rateHost = actor.NewHost(actor.Config{
		Kind:         "ratelimit",
		CleanupAfter: cfg.Actor.IdleTimeout,
		Budget:       cfg.Actor.Budget,
	}, st.kv, logger, app.metrics)
	app.hasher = auth.NewHasher(app.hashHost, logger)
	app.limiter = ratelimit.New(app.rateHost, logger, ratelimit.WithMetrics(app.metrics))

	app.cache = cache.New(st.kv,
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithLogger(logger),
		cache.WithMetrics(app.metrics),
	)

	app.email = email.NewService(cfg.Email, cfg.Server.IsProduction(),
		email.WithThrottle(app.limiter),
		email.WithLogger(logger),
		email.WithMetrics(app.metrics),
	)

	app.broker = queue.NewBroker(st.queue, queue.BrokerConfig{
		Visibility:  cfg.Queue.VisibilityTimeout,
		RetryDelay:  cfg.Queue.RetryDelay,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, logger, app.metrics)
	app.consumer = queue.NewConsumer(app.broker, queue.Handlers{
		Email: email.NewHandler(app.email, logger),
	}, queue.ConsumerConfig{
		BatchSize:    cfg.Queue.BatchSize,
		PollInterval: cfg.Queue.PollInterval,
	}, logger, app.metrics)

	app.moderator, err = newModerator(ctx, cfg.LLM, logger)
	if err != nil {
		_ = app.close(ctx)
		return nil, err
	}

	wfCfg := workflow.DefaultConfig()
	wfCfg.WorkerCount = cfg.Workflow.WorkerCount
	wfCfg.PollInterval = cfg.Workflow.PollInterval
	wfCfg.StepMaxAttempts = cfg.Workflow.StepMaxAttempts
	wfCfg.RetryBaseDelay = cfg.Workflow.RetryBaseDelay
	wfCfg.StaleAfter = cfg.Workflow.StaleAfter
	app.engine = workflow.New(st.workflows, wfCfg, logger, workflow.WithMetrics(app.metrics))

	defs := workflows.Definitions(workflows.Deps{
		Posts:      st.posts,
		Comments:   st.comments,
		Search:     workflows.NewKVSearchIndex(st.kv),
		Cache:      app.cache,
		Moderator:  app.moderator,
		Mail:       app.broker,
		AdminEmail: app.email.AdminAddress(),
		Logger:     logger,
	})
	if err := app.engine.Register(defs...); err != nil {
		_ = app.close(ctx)
		return nil, fmt.Errorf("failed to register workflows: %w", err)
	}

	app.bus = events.NewBus(logger)
	app.bus.Subscribe(workflows.NewTriggerHandler(app.engine, logger))

	app.versions = version.NewService(app.cache, cfg.Version.Repository, cfg.Version.Current,
		version.WithLogger(logger),
	)

	return app, nil
}

// newModerator uses Gemini when an API key is configured and the local rule
// set otherwise.
func newModerator(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (moderation.Moderator, error) {
	if cfg.GeminiAPIKey == "" {
		logger.Info("no Gemini API key configured, moderating comments with local rules")
		return moderation.DefaultRules(), nil
	}
	m, err := gemini.NewModerator(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize comment moderator: %w", err)
	}
	return m, nil
}

func backendName(url string) string {
	switch {
	case url == "":
		return backendMemory
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return backendPostgres
	default:
		return backendSQLite
	}
}

// close releases actor state, flushes background cache writes and closes
// the database.
func (app *application) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	if app.hashHost != nil {
		errs = append(errs, app.hashHost.Close(ctx))
	}
	if app.rateHost != nil {
		errs = append(errs, app.rateHost.Close(ctx))
	}
	if app.cache != nil {
		app.cache.Wait()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
