// Package app wires the Mealtone subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New connects and migrates the
// store, dials Redis, builds the model client, the tool dispatcher, the job
// worker, the POS syncer and the HTTP server; Run serves until the context
// is cancelled; Shutdown tears everything down in order.
//
// For testing, inject fakes via functional options (WithStore, WithRedis,
// WithModels). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mealtone-ai/mealtone/internal/config"
	"github.com/mealtone-ai/mealtone/internal/health"
	"github.com/mealtone-ai/mealtone/internal/jobs"
	"github.com/mealtone-ai/mealtone/internal/llm"
	"github.com/mealtone-ai/mealtone/internal/observe"
	"github.com/mealtone-ai/mealtone/internal/pos"
	"github.com/mealtone-ai/mealtone/internal/server"
	"github.com/mealtone-ai/mealtone/internal/store"
	"github.com/mealtone-ai/mealtone/internal/tools"
)

// httpDrainTimeout bounds how long Run waits for in-flight HTTP requests
// after the context is cancelled. Hijacked call sockets are not part of the
// drain; active calls end when the process exits.
const httpDrainTimeout = 10 * time.Second

// Store is the persistence surface the application shares among its
// subsystems: the server resolves tenants from it, the tool dispatcher
// writes orders and reservations, the catalog syncer updates menu caches,
// and the job handlers move orders through submission. *store.Postgres
// satisfies it.
type Store interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	ListTenants(ctx context.Context) ([]store.Tenant, error)
	UpdateMenuCache(ctx context.Context, tenantID, menu string) error
	SavePOSCredentials(ctx context.Context, tenantID string, creds store.POSCredentials) error
	InsertOrder(ctx context.Context, o *store.Order) error
	GetOrder(ctx context.Context, id string) (*store.Order, error)
	UpdateOrderStatus(ctx context.Context, id, status string) error
	InsertReservation(ctx context.Context, r *store.Reservation) error
}

// RedisClient is the slice of the Redis API the application touches: the
// queue commands for the job system plus ping and close for readiness and
// teardown. *redis.Client satisfies it.
type RedisClient interface {
	jobs.Commander
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// App owns all subsystem lifetimes of the Mealtone gateway.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	pool    *pgxpool.Pool
	store   Store
	rdb     RedisClient
	models  server.GeneratorFactory
	queue   *jobs.Producer
	worker  *jobs.Worker
	posc    *pos.Client
	syncer  *pos.Syncer
	tools   *tools.Dispatcher
	httpSrv *http.Server

	// checkers feed the readiness endpoint; one per owned connection.
	checkers []health.Checker

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence layer instead of connecting to Postgres
// from config. Injected stores are not migrated and not closed.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithRedis injects a Redis client instead of dialing one from config.
// Injected clients are not closed.
func WithRedis(rc RedisClient) Option {
	return func(a *App) { a.rdb = rc }
}

// WithModels injects a generator factory instead of constructing the
// provider client from config.
func WithModels(m server.GeneratorFactory) Option {
	return func(a *App) { a.models = m }
}

// WithLogger injects the logger all subsystems derive theirs from.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for the external dependencies.
//
// New performs all initialisation synchronously: store connection and
// migration, Redis dial, model client construction, POS client and syncer
// when the integration is configured, job worker registration, and the HTTP
// server assembly.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initRedis(ctx); err != nil {
		return nil, fmt.Errorf("app: init redis: %w", err)
	}
	if err := a.initModels(ctx); err != nil {
		return nil, fmt.Errorf("app: init models: %w", err)
	}
	if err := a.initPOS(); err != nil {
		return nil, fmt.Errorf("app: init pos: %w", err)
	}
	a.initJobs()
	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	return a, nil
}

// initStore connects the Postgres pool and applies the schema, unless a
// store was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}

	a.pool = pool
	a.store = pg
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: pool.Ping})
	return nil
}

// initRedis dials the queue backend, unless a client was injected. The
// readiness checker pings through whichever client ends up in place.
func (a *App) initRedis(ctx context.Context) error {
	if a.rdb == nil {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("ping redis at %s: %w", a.cfg.Redis.Addr, err)
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}
	a.checkers = append(a.checkers, health.Checker{
		Name:  "redis",
		Check: func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
	})
	return nil
}

// initModels builds the provider client with the static tool declarations,
// unless a factory was injected.
func (a *App) initModels(ctx context.Context) error {
	if a.models != nil {
		return nil
	}
	client, err := llm.New(ctx, llm.Config{
		APIKey:          a.cfg.LLM.APIKey,
		Model:           a.cfg.LLM.Model,
		Temperature:     a.cfg.LLM.Temperature,
		MaxOutputTokens: a.cfg.LLM.MaxOutputTokens,
	}, tools.Definitions())
	if err != nil {
		return err
	}
	a.models = client
	return nil
}

// initPOS builds the POS client and catalog syncer when the integration is
// configured. Without it the gateway still takes calls; orders just stay
// local.
func (a *App) initPOS() error {
	if !a.cfg.POS.Enabled() {
		a.log.Info("pos integration disabled")
		return nil
	}
	client, err := pos.New(pos.Config{
		BaseURL:      a.cfg.POS.BaseURL,
		ClientID:     a.cfg.POS.ClientID,
		ClientSecret: a.cfg.POS.ClientSecret,
		RedirectURL:  a.cfg.POS.RedirectURL,
		Metrics:      a.metrics,
		Logger:       a.log,
	})
	if err != nil {
		return err
	}
	a.posc = client
	a.syncer = pos.NewSyncer(client, a.store, a.cfg.POS.SyncInterval.Duration(), a.log)
	return nil
}

// initJobs builds the queue producer and the worker with its handlers.
func (a *App) initJobs() {
	a.queue = jobs.NewProducer(a.rdb, jobs.ProducerConfig{
		Queue:   a.cfg.Redis.Queue,
		Metrics: a.metrics,
		Logger:  a.log,
	})
	a.worker = jobs.NewWorker(a.rdb, jobs.WorkerConfig{
		Queue:   a.cfg.Redis.Queue,
		Metrics: a.metrics,
		Logger:  a.log,
	})

	var submitter OrderSubmitter
	if a.posc != nil {
		submitter = a.posc
	}
	a.worker.Register(jobs.KindOrderSubmit, OrderSubmitHandler(a.store, submitter, a.log))
	a.worker.Register(jobs.KindCallEnded, CallEndedHandler(a.log))
}

// initTools compiles the tool dispatcher over the store and queue.
func (a *App) initTools() error {
	d, err := tools.NewDispatcher(tools.Config{
		Store:   a.store,
		Queue:   a.queue,
		Metrics: a.metrics,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}
	a.tools = d
	return nil
}

// initServer assembles the HTTP surface.
func (a *App) initServer() error {
	srvCfg := server.Config{
		WSPathPrefix:   a.cfg.Server.WSPathPrefix,
		Store:          a.store,
		Models:         a.models,
		Tools:          a.tools,
		Queue:          a.queue,
		Health:         health.New(a.checkers...),
		StreamTimeout:  a.cfg.LLM.StreamTimeout.Duration(),
		GreetingPrompt: a.cfg.LLM.GreetingPrompt,
		Metrics:        a.metrics,
		Logger:         a.log,
	}
	// Leave the interfaces nil rather than holding a nil pointer; the server
	// checks them against nil to decide between serving and 503.
	if a.syncer != nil {
		srvCfg.Syncer = a.syncer
	}
	if a.posc != nil {
		srvCfg.OAuth = a.posc
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler returns the HTTP surface. Run serves the same handler; tests mount
// it on a httptest server instead.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// SetCatalogSyncInterval adjusts the POS catalog walk interval at runtime.
// It is a no-op when the POS integration is disabled.
func (a *App) SetCatalogSyncInterval(d time.Duration) {
	if a.syncer != nil {
		a.syncer.SetInterval(d)
	}
}

// Run serves HTTP traffic, the job worker and the catalog syncer until ctx
// is cancelled or one of them fails. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.httpSrv.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.worker.Run(gctx) })
	if a.syncer != nil {
		g.Go(func() error { return a.syncer.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		defer cancel()
		return a.httpSrv.Shutdown(drainCtx)
	})
	return g.Wait()
}

// Shutdown tears down the owned connections in reverse-init order. It
// respects the context deadline: when ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer failed", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
