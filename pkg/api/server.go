// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/handlers"
	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/providers"
	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/auth/upstream"
	"github.com/stacklok/authcore/pkg/config"
	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/networking"
	"github.com/stacklok/authcore/pkg/transport/session"
)

const (
	// defaultReadHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultIdleTimeout is the maximum amount of time to wait for the next request when keep-alive's are enabled.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxHeaderBytes is the maximum size of request headers in bytes (1 MB).
	defaultMaxHeaderBytes = 1 << 20

	// defaultShutdownTimeout is the maximum time to wait for graceful shutdown.
	defaultShutdownTimeout = 10 * time.Second
)

// Server wires the stores, the provider registry, the protocol session
// manager and the HTTP routes together.
type Server struct {
	cfg *config.Config

	store    storage.Store
	clients  storage.ClientStore
	pkce     pkce.Store
	registry *providers.Registry
	sessions *session.Manager
	handler  http.Handler

	// closers release what the server created itself, in reverse order.
	closers []func() error

	httpServer *http.Server
	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}
	readyOnce  sync.Once
	stopOnce   sync.Once
	stopErr    error
}

// Option overrides a dependency NewServer would otherwise build from config.
type Option func(*options)

type options struct {
	store      storage.Store
	clients    storage.ClientStore
	pkce       pkce.Store
	httpClient *http.Client
	registerer *prometheus.Registry
	audit      audit.Sink
}

// WithStore uses store for sessions, tokens and protocol metadata. The
// caller keeps ownership.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithClientStore uses clients for dynamic client registration. The caller
// keeps ownership.
func WithClientStore(clients storage.ClientStore) Option {
	return func(o *options) { o.clients = clients }
}

// WithPKCEStore uses store for PKCE data. The caller keeps ownership.
func WithPKCEStore(store pkce.Store) Option {
	return func(o *options) { o.pkce = store }
}

// WithHTTPClient sets the client used to reach identity providers.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithMetricsRegistry registers metrics on reg instead of a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registerer = reg }
}

// WithAuditSink overrides the sink selected by audit.enabled.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) { o.audit = sink }
}

// NewServer builds every component described by cfg. Nothing listens until
// Start is called.
func NewServer(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{cfg: cfg, ready: make(chan struct{})}
	if err := s.build(ctx, o); err != nil {
		if closeErr := s.close(); closeErr != nil {
			logger.Warnw("failed to release resources after setup error", "error", closeErr)
		}
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, o *options) error {
	var err error

	s.store = o.store
	if s.store == nil {
		if s.store, err = storage.NewStore(ctx, s.cfg.StorageOptions()); err != nil {
			return fmt.Errorf("failed to create token store: %w", err)
		}
		s.closers = append(s.closers, s.store.Close)
	}

	s.clients = o.clients
	if s.clients == nil {
		if s.clients, err = storage.NewClientStore(ctx, s.cfg.StorageOptions()); err != nil {
			return fmt.Errorf("failed to create client store: %w", err)
		}
		s.closers = append(s.closers, s.clients.Close)
	}

	s.pkce = o.pkce
	if s.pkce == nil {
		if s.pkce, err = s.newPKCEStore(ctx); err != nil {
			return err
		}
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient, err = networking.NewHttpClientBuilder().
			WithCABundle(s.cfg.Network.CABundlePath).
			WithPrivateIPs(s.cfg.Network.AllowPrivateIPs).
			WithInsecureHTTP(s.cfg.Network.AllowHTTP).
			Build()
		if err != nil {
			return fmt.Errorf("failed to create HTTP client: %w", err)
		}
	}

	reg := o.registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics, err := upstream.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	sink := o.audit
	if sink == nil && s.cfg.Audit.Enabled {
		sink = audit.LogSink{}
	}
	sink = audit.OrNop(sink)

	s.registry = providers.NewRegistry(s.cfg, providers.Dependencies{
		Store:      s.store,
		PKCE:       s.pkce,
		HTTPClient: httpClient,
		Audit:      sink,
		Metrics:    metrics,
	})
	s.closers = append(s.closers, s.registry.DisposeAll)
	if _, err := s.registry.CreateAllFromEnvironment(ctx); err != nil {
		return err
	}

	s.sessions = session.NewManager(s.store,
		session.WithTTL(s.cfg.Session.TTL),
		session.WithIdleTimeout(s.cfg.Session.IdleTimeout),
		session.WithAuditSink(sink),
	)
	s.closers = append(s.closers, func() error {
		s.sessions.Stop()
		return nil
	})

	s.handler = s.routes(sink, reg)
	return nil
}

// newPKCEStore shares PKCE data through Redis when the storage backend is
// shared or pkce.store asks for it; otherwise it stays in memory.
func (s *Server) newPKCEStore(ctx context.Context) (pkce.Store, error) {
	useRedis := s.cfg.PKCE.Store == string(storage.TypeRedis) ||
		(s.cfg.PKCE.Store == "" && s.cfg.UsesSharedStore())
	if !useRedis {
		var opts []pkce.MemoryStoreOption
		if interval := s.cfg.Storage.CleanupInterval; interval > 0 {
			opts = append(opts, pkce.WithCleanupInterval(interval))
		}
		store := pkce.NewMemoryStore(opts...)
		s.closers = append(s.closers, store.Close)
		return store, nil
	}

	redisCfg := s.cfg.StorageOptions().Redis
	client, err := storage.NewRedisClient(ctx, redisCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect PKCE store: %w", err)
	}
	s.closers = append(s.closers, client.Close)

	prefix := redisCfg.KeyPrefix
	if prefix == "" {
		prefix = storage.DefaultKeyPrefix
	}
	logger.Infow("using shared PKCE store", "key_prefix", prefix)
	return pkce.NewRedisStore(client, prefix), nil
}

func (s *Server) routes(sink audit.Sink, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		requestBodySizeLimitMiddleware(maxRequestBodySize),
	)

	h := handlers.NewHandler(s.registry, s.store,
		handlers.WithClientStore(s.clients),
		handlers.WithAuditSink(sink),
	)
	r.Group(func(r chi.Router) {
		if timeout := s.cfg.Server.RequestTimeout; timeout > 0 {
			r.Use(middleware.Timeout(timeout))
		}
		h.Routes(r)
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// Streaming responses on the protocol endpoint are not bounded by the request timeout.
	streamable := server.NewStreamableHTTPServer(
		newMCPServer(s.sessions),
		server.WithEndpointPath(s.cfg.Server.MCPPath),
		server.WithSessionIdManager(session.NewSDKAdapter(s.sessions)),
	)
	r.Handle(s.cfg.Server.MCPPath, sessionAuthMiddleware(s.store, s.sessions)(streamable))

	return r
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Sessions returns the protocol session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// Ready is closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Address returns the bound listener address, or "" before Start.
func (s *Server) Address() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves until ctx is cancelled or the listener fails, then stops the
// server. It is assumed that the caller sets up appropriate signal handling.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              s.cfg.Server.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	listener, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logger.Infof("starting authcore server at %s (protocol endpoint %s)", listener.Addr(), s.cfg.Server.MCPPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down server")
		return s.Stop(context.Background())
	case err := <-errCh:
		logger.Errorf("HTTP server error: %v", err)
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			return fmt.Errorf("server error: %w; stop error: %v", err, stopErr)
		}
		return err
	}
}

// Stop shuts the HTTP server down, then disposes providers, stops the
// session manager and closes the stores it opened. Shared session metadata
// is left in place. Calling Stop more than once returns the first result.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		logger.Info("stopping authcore server")
		var errs []error

		if s.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
			}
		}

		s.listenerMu.Lock()
		s.listener = nil
		s.listenerMu.Unlock()

		if err := s.close(); err != nil {
			errs = append(errs, err)
		}

		if len(errs) > 0 {
			logger.Errorf("errors during shutdown: %v", errs)
			s.stopErr = errors.Join(errs...)
			return
		}
		logger.Info("authcore server stopped")
	})
	return s.stopErr
}

func (s *Server) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
