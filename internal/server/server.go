// Package server is the gateway's HTTP front end. It terminates the voice
// provider's call WebSockets, receives provider and POS webhooks, runs the
// POS OAuth hand-off, and exposes the operational endpoints (health,
// readiness, Prometheus metrics).
//
// The package owns routing and transport concerns only. Call semantics live
// in internal/session, durable work in internal/jobs, and POS access in
// internal/pos; the server reaches each of them through a narrow interface
// declared here.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mealtone-ai/mealtone/internal/health"
	"github.com/mealtone-ai/mealtone/internal/jobs"
	"github.com/mealtone-ai/mealtone/internal/llm"
	"github.com/mealtone-ai/mealtone/internal/observe"
	"github.com/mealtone-ai/mealtone/internal/store"
	"github.com/mealtone-ai/mealtone/internal/tools"
)

// defaultWSPrefix matches the voice provider's conventional custom-LLM path.
const defaultWSPrefix = "/llm-websocket"

// TenantStore is the slice of the persistence layer the server needs.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	SavePOSCredentials(ctx context.Context, tenantID string, creds store.POSCredentials) error
}

// GeneratorFactory binds a system prompt to a model generator. *llm.Client
// satisfies it.
type GeneratorFactory interface {
	Generator(systemPrompt string) llm.Generator
}

// RunnerFactory scopes the tool set to one call. *tools.Dispatcher satisfies
// it.
type RunnerFactory interface {
	ForCall(tenantID, callID, menu string) *tools.Runner
}

// MenuSyncer accepts catalog refresh requests. *pos.Syncer satisfies it.
type MenuSyncer interface {
	Trigger(tenantID string)
}

// OAuthExchanger runs the POS authorization-code flow. *pos.Client satisfies
// it.
type OAuthExchanger interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (store.POSCredentials, error)
}

// Enqueuer hands jobs to the durable queue. *jobs.Producer satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job) error
}

// Config assembles the server's collaborators. Store, Models, and Tools are
// required. The POS collaborators and the job queue may be nil; routes that
// need a missing one answer 503, and webhook events that would feed it are
// acknowledged and dropped.
type Config struct {
	// WSPathPrefix is the base path for call WebSockets. Empty selects
	// defaultWSPrefix.
	WSPathPrefix string

	Store  TenantStore
	Models GeneratorFactory
	Tools  RunnerFactory

	// Queue receives post-call jobs.
	Queue Enqueuer

	// Syncer serves catalog refresh triggers.
	Syncer MenuSyncer

	// OAuth serves the POS authorization-code flow.
	OAuth OAuthExchanger

	// Health serves /healthz and /readyz. Nil installs a checkerless handler.
	Health *health.Handler

	// StreamTimeout and GreetingPrompt pass through to each call's session.
	StreamTimeout  time.Duration
	GreetingPrompt string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Server routes the gateway's HTTP traffic. It implements [http.Handler];
// the caller owns the http.Server wrapping it.
type Server struct {
	wsPrefix string

	store  TenantStore
	models GeneratorFactory
	tools  RunnerFactory
	queue  Enqueuer
	syncer MenuSyncer
	oauth  OAuthExchanger

	streamTimeout time.Duration
	greeting      string

	metrics *observe.Metrics
	log     *slog.Logger

	router chi.Router
}

// New validates cfg and assembles the router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: config needs a tenant store")
	}
	if cfg.Models == nil {
		return nil, errors.New("server: config needs a generator factory")
	}
	if cfg.Tools == nil {
		return nil, errors.New("server: config needs a tool runner factory")
	}
	if cfg.WSPathPrefix == "" {
		cfg.WSPathPrefix = defaultWSPrefix
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wsPrefix := strings.TrimSuffix(cfg.WSPathPrefix, "/")
	if wsPrefix == "" {
		return nil, errors.New("server: ws path prefix needs at least one segment")
	}

	s := &Server{
		wsPrefix:      wsPrefix,
		store:         cfg.Store,
		models:        cfg.Models,
		tools:         cfg.Tools,
		queue:         cfg.Queue,
		syncer:        cfg.Syncer,
		oauth:         cfg.OAuth,
		streamTimeout: cfg.StreamTimeout,
		greeting:      cfg.GreetingPrompt,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
	}

	r := chi.NewRouter()

	// Call sockets stay outside the instrumented group: the recording
	// wrapper does not support hijacking, and a call holds its connection
	// far past any request-duration bucket.
	r.Get(s.wsPrefix+"/{callID}", s.handleWS)
	r.Get(s.wsPrefix, s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(observe.Middleware(s.metrics))

		cfg.Health.Register(r)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)

		r.Post("/webhooks/voice", s.handleVoiceWebhook)
		r.Post("/webhooks/pos", s.handlePOSWebhook)

		r.Get("/pos/oauth/start", s.handleOAuthStart)
		r.Get("/pos/oauth/callback", s.handleOAuthCallback)

		r.Post("/tenants/{tenantID}/catalog/sync", s.handleCatalogSync)
	})

	s.router = r
	return s, nil
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
