// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles one gateway node. New wires the scope's
// pipelines, the protocol flows, the transport endpoints and the
// configured stores behind a single chi router; Run owns the listener
// lifecycle and the background maintenance loops.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gantry-mcp/gantry/pkg/auth"
	"github.com/gantry-mcp/gantry/pkg/config"
	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/elicit"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/logger"
	"github.com/gantry-mcp/gantry/pkg/node"
	"github.com/gantry-mcp/gantry/pkg/plugins/authz"
	"github.com/gantry-mcp/gantry/pkg/prompts"
	"github.com/gantry-mcp/gantry/pkg/resources"
	"github.com/gantry-mcp/gantry/pkg/scope"
	"github.com/gantry-mcp/gantry/pkg/session"
	"github.com/gantry-mcp/gantry/pkg/skills"
	"github.com/gantry-mcp/gantry/pkg/telemetry"
	"github.com/gantry-mcp/gantry/pkg/tools"
	"github.com/gantry-mcp/gantry/pkg/transport"
	"github.com/gantry-mcp/gantry/pkg/versions"
)

const (
	// defaultReadHeaderTimeout guards the listener against slowloris
	// clients. Read and write timeouts stay unset: SSE streams are
	// long-lived by design.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultShutdownTimeout bounds graceful HTTP shutdown.
	defaultShutdownTimeout = 10 * time.Second

	// maintenanceInterval paces the idle-adapter sweep and the session
	// expiry pass.
	maintenanceInterval = time.Minute

	// dropSessionTimeout bounds the store calls made while releasing a
	// destroyed session's state.
	dropSessionTimeout = 5 * time.Second

	// redisKeyPrefix namespaces every gateway key in shared Redis
	// deployments.
	redisKeyPrefix = "gantry:"
)

// options holds collaborators tests and embedders may inject in place of
// the config-selected ones.
type options struct {
	sessions session.Storage
	pending  elicit.PendingStore
	provider *telemetry.Provider
}

// Option overrides one server collaborator.
type Option func(*options)

// WithSessionStorage replaces the config-selected session store. The
// caller keeps ownership; Stop will not close it.
func WithSessionStorage(store session.Storage) Option {
	return func(o *options) { o.sessions = store }
}

// WithPendingStore replaces the config-selected pending-elicit store.
func WithPendingStore(store elicit.PendingStore) Option {
	return func(o *options) { o.pending = store }
}

// WithTelemetryProvider replaces the config-built telemetry provider. The
// caller keeps ownership; Stop will not shut it down.
func WithTelemetryProvider(p *telemetry.Provider) Option {
	return func(o *options) { o.provider = p }
}

// Server is one gateway node: the root scope's flows and plugins, the
// transport endpoints serving them, and the HTTP listener lifecycle.
type Server struct {
	cfg   *config.Config
	scope *scope.Scope

	engine     *flow.Engine
	dispatcher *dispatch.Dispatcher
	registry   *transport.Registry
	broker     *elicit.Broker
	sessions   session.Storage
	subs       resources.Subscriptions
	levels     *SessionLevels
	notifier   *Notifier
	gate       *skills.SessionGate
	index      *skills.Index
	provider   *telemetry.Provider
	meters     *telemetry.Meters

	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	listenerMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once
	stopOnce  sync.Once
	stopErr   error

	closers []func(context.Context) error
}

// New wires a gateway over sc. Tools, resources, prompts and providers
// must already be registered on the scope; New installs the protocol
// flows and plugins, initializes the scope, and builds the HTTP handler.
// A nil scope gets a fresh root named after the config.
func New(ctx context.Context, cfg *config.Config, sc *scope.Scope, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	} else {
		cfg.EnsureDefaults()
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	if sc == nil {
		sc = scope.New(cfg.Name)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		cfg:    cfg,
		scope:  sc,
		engine: flow.NewEngine(),
		levels: NewSessionLevels(),
		subs:   resources.NewMemorySubscriptions(),
		gate:   skills.NewSessionGate(),
		ready:  make(chan struct{}),
	}

	nodeID, err := node.ID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving node identity: %w", err)
	}

	if err := s.initTelemetry(ctx, &o); err != nil {
		return nil, err
	}
	if err := s.initStores(&o); err != nil {
		s.runClosers(ctx)
		return nil, err
	}

	s.registry = transport.NewRegistry(transport.Options{
		Store:         s.sessions,
		NodeID:        nodeID,
		OpTimeout:     cfg.Sessions.Store.OpTimeout,
		RatePerSecond: cfg.Sessions.RateLimit.PerSecond,
		RateBurst:     cfg.Sessions.RateLimit.Burst,
		OnDestroy:     s.dropSession,
	})

	if err := s.registerFlows(); err != nil {
		s.runClosers(ctx)
		return nil, err
	}

	s.dispatcher = dispatch.New(s.engine, sc)
	s.notifier = NewNotifier(s.registry, s.levels, s.subs)

	if err := s.installPlugins(); err != nil {
		s.runClosers(ctx)
		return nil, err
	}

	if err := sc.Init(ctx); err != nil {
		s.runClosers(ctx)
		return nil, fmt.Errorf("initializing scope: %w", err)
	}

	s.handler = s.buildRouter()
	return s, nil
}

// initTelemetry builds the OTel provider and gateway meters, unless the
// caller injected a provider of their own.
func (s *Server) initTelemetry(ctx context.Context, o *options) error {
	if o.provider != nil {
		s.provider = o.provider
	} else {
		p, err := telemetry.NewProvider(ctx,
			telemetry.WithServiceName(s.cfg.Name),
			telemetry.WithServiceVersion(versions.GetVersionInfo().Version),
			telemetry.WithOTLPEndpoint(s.cfg.Telemetry.OTLPEndpoint),
			telemetry.WithSamplingRate(s.cfg.Telemetry.SamplingRate),
			telemetry.WithInsecure(s.cfg.Telemetry.Insecure),
		)
		if err != nil {
			return fmt.Errorf("building telemetry provider: %w", err)
		}
		s.provider = p
		s.addCloser(p.Shutdown)
	}
	s.meters = telemetry.NewMeters(s.provider.MeterProvider())
	return nil
}

// initStores selects the session and pending-elicit stores per config.
// Both Redis stores share one client per addr/db pair.
func (s *Server) initStores(o *options) error {
	clients := &redisClients{}
	s.addCloser(clients.close)

	s.sessions = o.sessions
	if s.sessions == nil {
		store := newSessionStorage(s.cfg, clients)
		s.sessions = store
		s.addCloser(func(context.Context) error { return store.Close() })
	}

	pending := o.pending
	if pending == nil {
		pending = newPendingStore(s.cfg, clients)
	}
	if env := s.cfg.Elicitation.SealKeyEnv; env != "" {
		key := os.Getenv(env)
		if key == "" {
			return fmt.Errorf("elicitation sealing enabled but %s is unset", env)
		}
		sealed, err := elicit.NewSealedStore(pending, []byte(key))
		if err != nil {
			return fmt.Errorf("building sealed elicit store: %w", err)
		}
		pending = sealed
	}
	s.broker = elicit.NewBroker(pending, s.cfg.Elicitation.DefaultTTL)
	return nil
}

func newSessionStorage(cfg *config.Config, clients *redisClients) session.Storage {
	if cfg.Sessions.Store.Type == "redis" {
		client := clients.get(cfg.Sessions.Store.Redis)
		return session.NewRedisStorageWithClient(client, redisKeyPrefix, cfg.Sessions.TTL)
	}
	return session.NewLocalStorage()
}

func newPendingStore(cfg *config.Config, clients *redisClients) elicit.PendingStore {
	if cfg.Elicitation.Store.Type == "redis" {
		return elicit.NewRedisStore(clients.get(cfg.Elicitation.Store.Redis), redisKeyPrefix)
	}
	return elicit.NewMemoryStore()
}

// registerFlows installs every protocol flow on the scope: the session
// builtins, the four pipelines, and the elicitation flow.
func (s *Server) registerFlows() error {
	cache := tools.NewMemoryCache(
		tools.WithMaxEntries(s.cfg.Cache.MaxEntries),
		tools.WithDefaultTTL(s.cfg.Cache.DefaultTTL),
	)
	toolsPipe := tools.NewPipeline(s.scope.ToolFinder(),
		tools.WithResultCache(cache),
		tools.WithSkillGate(s.gate),
	)
	resourcesPipe := resources.NewPipeline(s.scope.ResourceFinder(), s.subs)
	promptsPipe := prompts.NewPipeline(s.scope.PromptFinder())

	index, err := skills.OpenIndex(s.cfg.Skills.IndexPath, s.scope.ToolFinder())
	if err != nil {
		return fmt.Errorf("opening skills index: %w", err)
	}
	s.index = index
	s.addCloser(func(context.Context) error { return index.Close() })
	skillsPipe := skills.NewPipeline(index, skills.WithSessionGate(s.gate))

	return s.scope.Flows().Register(
		InitializeFlow(s.cfg.Name),
		PingFlow(),
		SetLevelFlow(s.levels),
		toolsPipe.CallFlow(),
		toolsPipe.ListFlow(),
		resourcesPipe.ReadFlow(),
		resourcesPipe.ListFlow(),
		resourcesPipe.ListTemplatesFlow(),
		resourcesPipe.SubscribeFlow(),
		resourcesPipe.UnsubscribeFlow(),
		promptsPipe.GetFlow(),
		promptsPipe.ListFlow(),
		promptsPipe.CompleteFlow(),
		skillsPipe.SearchFlow(),
		skillsPipe.LoadFlow(),
		skillsPipe.ListFlow(),
		transport.ElicitFlow(s.broker, s.registry),
	)
}

// installPlugins installs the built-in plugins: the elicitation requester
// binding, gateway metrics, and the Cedar gate when configured.
func (s *Server) installPlugins() error {
	if err := s.scope.Use(transport.ElicitationPlugin(s.engine, s.scope)); err != nil {
		return err
	}
	if err := s.scope.Use(MetricsPlugin(s.meters, s.registry)); err != nil {
		return err
	}
	if s.cfg.Authz.Enabled {
		p, err := authz.New(authz.Config{PolicyFile: s.cfg.Authz.PolicyFile})
		if err != nil {
			return err
		}
		if err := s.scope.Use(p); err != nil {
			return err
		}
	}
	return nil
}

// buildRouter assembles the chi router: operational endpoints stay open,
// transport endpoints sit behind the configured identity middleware and
// per-protocol telemetry. When both streamable and stateless are enabled,
// streamable owns /mcp.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if h := s.provider.PrometheusHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	tp := s.provider.TracerProvider()
	mp := s.provider.MeterProvider()

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware())

		switch {
		case s.cfg.Transports.Serves("streamable"):
			endpoint := transport.NewStreamableEndpoint(s.registry, s.dispatcher, s.broker)
			r.With(telemetry.NewHTTPMiddleware(tp, mp, string(core.ProtocolStreamable))).
				Handle(transport.StreamableEndpointPath, endpoint)
		case s.cfg.Transports.Serves("stateless"):
			endpoint := transport.NewStatelessEndpoint(s.dispatcher)
			r.With(telemetry.NewHTTPMiddleware(tp, mp, string(core.ProtocolStateless))).
				Handle(transport.StreamableEndpointPath, endpoint)
		}

		if s.cfg.Transports.Serves("sse") {
			endpoint := transport.NewSSEEndpoint(s.registry, s.dispatcher, s.broker)
			mw := telemetry.NewHTTPMiddleware(tp, mp, string(core.ProtocolSSE))
			r.With(mw).Get(transport.SSEEndpointPath, endpoint.ServeSSE)
			r.With(mw).Post(transport.MessagesEndpointPath, endpoint.ServeMessages)
		}
	})

	return r
}

// authMiddleware picks the identity middleware for the configured mode.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	switch s.cfg.Auth.Mode {
	case "anonymous":
		return auth.AnonymousMiddleware
	case "local":
		return auth.LocalUserMiddleware(s.cfg.Auth.LocalUser)
	default:
		return auth.Middleware(auth.Options{})
	}
}

// handleHealth reports liveness. Intentionally minimal: no version or
// session counts leak from an unauthenticated endpoint.
func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		logger.Errorf("failed to encode health response: %v", err)
	}
}

// Run binds the listener and serves until ctx is cancelled or the server
// fails, then shuts down gracefully. Port 0 binds an ephemeral port;
// Address reports the bound one.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	s.httpServer = &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	logger.Infow("gateway listening",
		"address", listener.Addr().String(),
		"transports", s.cfg.Transports.Enabled,
		"auth_mode", s.cfg.Auth.Mode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.maintain(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Stop(context.Background())
	})

	s.readyOnce.Do(func() { close(s.ready) })
	return g.Wait()
}

// maintain sweeps idle adapters and expired session records until ctx is
// cancelled.
func (s *Server) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.Sweep(ctx, s.cfg.Transports.IdleTimeout); n > 0 {
				logger.Debugw("swept idle transports", "count", n)
			}
			cutoff := time.Now().Add(-s.cfg.Sessions.TTL)
			if err := s.sessions.DeleteExpired(ctx, cutoff); err != nil {
				logger.Warnw("session expiry sweep failed", "error", err)
			}
		}
	}
}

// Stop shuts the gateway down: HTTP first, then resident adapters, then
// the stores and providers the server owns. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.shutdown(ctx) })
	return s.stopErr
}

func (s *Server) shutdown(ctx context.Context) error {
	logger.Info("stopping gateway")
	var errs []error

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	s.listenerMu.Lock()
	s.listener = nil
	s.listenerMu.Unlock()

	s.registry.Shutdown(ctx)

	for _, closer := range s.closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("gateway stopped")
	return nil
}

// dropSession releases everything held on behalf of one session. The
// transport registry calls it after destroying the session's adapter.
func (s *Server) dropSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), dropSessionTimeout)
	defer cancel()

	if err := s.broker.CancelPending(ctx, sessionID); err != nil {
		logger.Warnw("cancelling pending elicitation failed",
			"session_id", sessionID, "error", err)
	}
	if err := s.subs.DropSession(ctx, sessionID); err != nil {
		logger.Warnw("dropping resource subscriptions failed",
			"session_id", sessionID, "error", err)
	}
	s.levels.Drop(sessionID)
	s.gate.DropSession(sessionID)
	s.scope.DropSession(sessionID)
}

// Address returns the server's listen address; after Run binds port 0 it
// reports the actual port.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Ready is closed once the listener is serving.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Handler exposes the assembled router, mainly for httptest servers.
func (s *Server) Handler() http.Handler { return s.handler }

// Scope returns the root scope the gateway serves.
func (s *Server) Scope() *scope.Scope { return s.scope }

// Notifier returns the server-initiated notification sender.
func (s *Server) Notifier() *Notifier { return s.notifier }

// SkillIndex returns the skills index so embedders can add corpus entries.
func (s *Server) SkillIndex() *skills.Index { return s.index }

// LocalTransport opens an in-process session. The local protocol must be
// enabled in the transport config.
func (s *Server) LocalTransport(ctx context.Context) (*transport.LocalTransport, error) {
	if !s.cfg.Transports.Serves("local") {
		return nil, core.NewCapabilityUnavailableError("local transport")
	}
	return transport.NewLocalTransport(ctx, s.registry, s.dispatcher, s.broker)
}

func (s *Server) addCloser(closer func(context.Context) error) {
	s.closers = append(s.closers, closer)
}

func (s *Server) runClosers(ctx context.Context) {
	for _, closer := range s.closers {
		if err := closer(ctx); err != nil {
			logger.Warnw("cleanup failed", "error", err)
		}
	}
}

// redisClients memoizes one client per addr/db pair so stores pointing at
// the same Redis share a connection pool.
type redisClients struct {
	clients map[string]*redis.Client
}

func (rc *redisClients) get(cfg config.RedisConfig) *redis.Client {
	key := fmt.Sprintf("%s/%d", cfg.Addr, cfg.DB)
	if client, ok := rc.clients[key]; ok {
		return client
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  session.DefaultDialTimeout,
		ReadTimeout:  session.DefaultReadTimeout,
		WriteTimeout: session.DefaultWriteTimeout,
	})
	if rc.clients == nil {
		rc.clients = make(map[string]*redis.Client)
	}
	rc.clients[key] = client
	return client
}

func (rc *redisClients) close(context.Context) error {
	var errs []error
	for _, client := range rc.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
