// Package server composes the edge process: the intercepting HTTP server,
// the version host, the page-client hub and the gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	platformgrpc "github.com/noncefirewall/portfolio/internal/platform/grpc"
	platformotel "github.com/noncefirewall/portfolio/internal/platform/otel"
	"github.com/noncefirewall/portfolio/internal/platform/timeouts"
	"github.com/noncefirewall/portfolio/internal/services/edge/cachestore"
	"github.com/noncefirewall/portfolio/internal/services/edge/classify"
	"github.com/noncefirewall/portfolio/internal/services/edge/clients"
	"github.com/noncefirewall/portfolio/internal/services/edge/deferred"
	"github.com/noncefirewall/portfolio/internal/services/edge/fetch"
	"github.com/noncefirewall/portfolio/internal/services/edge/lifecycle"
	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
	"github.com/noncefirewall/portfolio/internal/services/edge/storage/memory"
	edgesqlite "github.com/noncefirewall/portfolio/internal/services/edge/storage/sqlite"
)

// HealthService is the gRPC health service name edge reports under.
const HealthService = "edge"

// Config defines the inputs for the edge process.
type Config struct {
	HTTPAddr          string
	HealthPort        int
	OriginURL         string
	DBPath            string
	Version           string
	VersionFile       string
	UpdateInterval    time.Duration
	Environment       string
	Rules             classify.Rules
	CriticalRoutes    []string
	AdminRoutes       []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// Transport reaches the upstream network. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *log.Logger
}

// Server hosts the edge HTTP process.
type Server struct {
	httpAddr        string
	healthPort      int
	shutdownTimeout time.Duration
	httpServer      *http.Server
	handler         http.Handler
	host            *Host
	hub             *clients.Hub
	health          *platformgrpc.HealthServer
	backend         edgestorage.Backend
	logger          *log.Logger
}

// NewServer builds the edge server. The cache backend is opened only when
// registration is allowed for the environment.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	origin, err := url.Parse(strings.TrimSpace(config.OriginURL))
	if err != nil {
		return nil, fmt.Errorf("parse origin url: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return nil, fmt.Errorf("origin url must be absolute: %q", config.OriginURL)
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if len(config.CriticalRoutes) == 0 {
		config.CriticalRoutes = DefaultCriticalRoutes
	}
	if len(config.AdminRoutes) == 0 {
		config.AdminRoutes = DefaultAdminRoutes
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	if len(config.Rules.SeedAssets) == 0 && len(config.Rules.StaticExtensions) == 0 && len(config.Rules.APIPatterns) == 0 {
		config.Rules = classify.DefaultRules()
	}
	classifier, err := classify.New(config.Rules)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	fetcher := fetch.New(config.Transport)
	hub := clients.NewHub(logger)
	health := platformgrpc.NewHealthServer(HealthService)
	enabled := RegistrationAllowed(config.Environment, origin)

	var backend edgestorage.Backend
	var factory ControllerFactory
	if enabled {
		backend, err = openBackend(config.DBPath)
		if err != nil {
			return nil, err
		}
		tracer := platformotel.Tracer("github.com/noncefirewall/portfolio/internal/services/edge")
		seeds := config.Rules.SeedAssets
		factory = func(version string) (*lifecycle.Controller, error) {
			registry, err := cachestore.NewRegistry(backend, version)
			if err != nil {
				return nil, err
			}
			bridge, err := deferred.NewPushBridge(hub, logger)
			if err != nil {
				return nil, err
			}
			return lifecycle.New(lifecycle.Config{
				Registry:   registry,
				Classifier: classifier,
				Fetcher:    fetcher,
				Origin:     origin,
				SeedAssets: seeds,
				Sync:       deferred.NewSyncHook(nil, logger),
				Push:       bridge,
				Claimer:    hub,
				Logger:     logger,
				Tracer:     tracer,
			})
		}
	}

	var source VersionSource = StaticVersion(config.Version)
	if path := strings.TrimSpace(config.VersionFile); path != "" {
		source = FileVersion{Path: path, Fallback: config.Version}
	}
	host, err := NewHost(HostConfig{
		Enabled:        enabled,
		Factory:        factory,
		Source:         source,
		UpdateInterval: config.UpdateInterval,
		OnServing:      health.SetServing,
		Logger:         logger,
	})
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}

	h := &handler{
		host:           host,
		hub:            hub,
		fetcher:        fetcher,
		origin:         origin,
		criticalRoutes: config.CriticalRoutes,
		adminRoutes:    config.AdminRoutes,
		logger:         logger,
	}
	hub.OnClick(h.onClick)
	httpHandler := newHandler(h)

	return &Server{
		httpAddr:        httpAddr,
		healthPort:      config.HealthPort,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           httpHandler,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		handler: httpHandler,
		host:    host,
		hub:     hub,
		health:  health,
		backend: backend,
		logger:  logger,
	}, nil
}

func openBackend(path string) (edgestorage.Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return memory.New(), nil
	}
	store, err := edgesqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	return store, nil
}

// Handler exposes the HTTP handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Host exposes the version host.
func (s *Server) Host() *Host {
	return s.host
}

// Run builds the server and serves until ctx ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init edge server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve edge: %w", err)
	}
	return nil
}

// ListenAndServe registers the cache layer, starts update polling and the
// health endpoint, and serves HTTP until ctx ends. A failed registration is
// logged and edge keeps serving pass-through.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("edge server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if err := s.host.Register(ctx); err != nil {
		s.logger.Printf("edge: registration failed, serving pass-through err=%v", err)
	}
	go s.host.RunUpdates(ctx)

	if s.healthPort > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.healthPort))
		if err != nil {
			return fmt.Errorf("listen health: %w", err)
		}
		go func() {
			if err := s.health.Serve(ctx, listener); err != nil {
				s.logger.Printf("edge: health server stopped err=%v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	s.logger.Printf("edge server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close retires the controller and closes the cache backend.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.host.Close()
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Printf("close cache backend: %v", err)
		}
	}
}

var _ lifecycle.Claimer = (*clients.Hub)(nil)
