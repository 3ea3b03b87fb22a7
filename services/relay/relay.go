// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the messaging relay service.
//
// The relay binds end users to a consumer messaging account through a
// protocol bridge, keeps one live session per bound user, credits a reward
// ledger for inbound messages, and exposes a small HTTP control surface.
//
// # Usage
//
//	cfg, err := relay.LoadConfig("relay.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := relay.New(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
//
// Deployments that need real authentication or audit shipping pass an
// *extensions.ServiceOptions instead of nil.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/clock"
	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/pkg/storage/badger"
	"github.com/AleutianAI/AleutianRelay/services/relay/credentials"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/ledger"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
	"github.com/AleutianAI/AleutianRelay/services/relay/protocol/wsbridge"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the relay lifecycle.
//
// # Thread Safety
//
// Run or Serve is called at most once. Shutdown may be called from any
// goroutine and is idempotent.
type Service interface {
	// Run listens on the configured address and serves until ctx is
	// cancelled or the server fails. Resources are released on return.
	Run(ctx context.Context) error

	// Serve is Run on an existing listener.
	Serve(ctx context.Context, ln net.Listener) error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// Shutdown releases every resource without serving. It does not log
	// out bound users, so bindings survive a restart.
	Shutdown(ctx context.Context) error
}

// Option customizes New. Intended for tests and embedding.
type Option func(*service)

// WithDialer replaces the websocket bridge dialer.
func WithDialer(d protocol.Dialer) Option {
	return func(s *service) { s.dialer = d }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *service) { s.clock = c }
}

// WithLogger sets the service logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - registry: live sessions, owned exclusively
//   - db: shared by the credential store and the ledger
//   - telemetry: OTel providers; spans are flushed on Shutdown
type service struct {
	config Config
	opts   extensions.ServiceOptions
	logger *slog.Logger
	clock  clock.Clock
	dialer protocol.Dialer

	promRegistry *prometheus.Registry
	metrics      *observability.RelayMetrics
	telemetry    *observability.Telemetry
	db           *badger.DB
	ledger       *ledger.Ledger
	registry     *session.Registry
	router       *gin.Engine

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a Service from cfg.
//
// # Description
//
// Initialization order:
//  1. Applies defaults for zero-valued config fields
//  2. Creates a private Prometheus registry and OpenTelemetry providers
//  3. Opens the Badger database (credentials and ledger share it)
//  4. Creates the bridge dialer and the session registry
//  5. Sets up Gin with otelgin and every control surface route
//
// Any failure releases what was already opened. Recovery of stored
// bindings happens in Run, not here.
//
// # Inputs
//
//   - ctx: Used for exporter setup only.
//   - cfg: Configuration. Zero values take DefaultConfig values.
//   - opts: Extension options. Nil means slog audit records and no-op
//     auth, or StaticTokenProvider when cfg.Server.APIKey is set.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Configuration, storage or telemetry failures.
func New(ctx context.Context, cfg Config, opts *extensions.ServiceOptions, options ...Option) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}

	if opts != nil {
		s.opts = opts.Normalize()
	} else {
		s.opts = extensions.DefaultOptions()
		if s.config.Server.APIKey != "" {
			s.opts = s.opts.WithAuth(extensions.NewStaticTokenProvider(s.config.Server.APIKey))
		}
	}
	for _, o := range options {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if opts == nil {
		s.opts = s.opts.WithAudit(extensions.NewSlogAuditLogger(s.logger))
	}

	if err := s.initTelemetry(ctx); err != nil {
		return nil, err
	}
	if err := s.initStorage(); err != nil {
		s.cleanup(ctx)
		return nil, err
	}
	if err := s.initSessions(); err != nil {
		s.cleanup(ctx)
		return nil, err
	}
	s.initRouter()

	return s, nil
}

// applyConfigDefaults fills zero-valued fields from DefaultConfig.
func applyConfigDefaults(cfg Config) Config {
	def := DefaultConfig()

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}
	if cfg.Server.GinMode == "" {
		cfg.Server.GinMode = def.Server.GinMode
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Bridge.URL == "" {
		cfg.Bridge.URL = def.Bridge.URL
	}
	if cfg.Storage.Path == "" && !cfg.Storage.InMemory {
		cfg.Storage.Path = def.Storage.Path
	}
	if cfg.Storage.GCInterval == 0 {
		cfg.Storage.GCInterval = def.Storage.GCInterval
	}
	if cfg.Storage.GCDiscardRatio == 0 {
		cfg.Storage.GCDiscardRatio = def.Storage.GCDiscardRatio
	}
	if cfg.Ledger.Reward == 0 {
		cfg.Ledger.Reward = def.Ledger.Reward
	}
	if cfg.Ledger.DailyCap == 0 {
		cfg.Ledger.DailyCap = def.Ledger.DailyCap
	}
	if cfg.Ledger.TimeZone == "" {
		cfg.Ledger.TimeZone = def.Ledger.TimeZone
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = def.Telemetry.Environment
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = def.Telemetry.TraceExporter
	}
	if cfg.Telemetry.MetricExporter == "" {
		cfg.Telemetry.MetricExporter = def.Telemetry.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = def.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = def.Telemetry.SampleRatio
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	// Session fields are defaulted by session.NewRegistry.
	return cfg
}

// =============================================================================
// Initialization
// =============================================================================

func (s *service) initTelemetry(ctx context.Context) error {
	s.promRegistry = prometheus.NewRegistry()
	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewRelayMetrics(s.promRegistry)

	tel, err := observability.Init(ctx, s.config.telemetryConfig(), s.promRegistry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetry = tel
	return nil
}

func (s *service) initStorage() error {
	db, err := OpenStorage(s.config, s.logger)
	if err != nil {
		return err
	}
	s.db = db

	lcfg, err := s.config.RewardRules()
	if err != nil {
		return err
	}
	s.ledger, err = ledger.New(lcfg, ledger.Deps{
		DB:            db,
		Clock:         s.clock,
		Logger:        s.logger.With("component", "ledger"),
		MeterProvider: s.telemetry.MeterProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	return nil
}

func (s *service) initSessions() error {
	if s.dialer == nil {
		d, err := wsbridge.NewDialer(wsbridge.Config{
			BaseURL:          s.config.Bridge.URL,
			Token:            s.config.Bridge.Token,
			HandshakeTimeout: s.config.Bridge.HandshakeTimeout,
			CommandTimeout:   s.config.Bridge.CommandTimeout,
			PingInterval:     s.config.Bridge.PingInterval,
			Logger:           s.logger.With("component", "wsbridge"),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize bridge dialer: %w", err)
		}
		s.dialer = d
	}

	reg, err := session.NewRegistry(s.config.sessionConfig(), session.Deps{
		Dialer:      s.dialer,
		Credentials: credentials.NewStore(s.db, s.clock),
		Ledger:      s.ledger,
		Clock:       s.clock,
		Logger:      s.logger.With("component", "session"),
		Metrics:     s.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session registry: %w", err)
	}
	s.registry = reg
	return nil
}

func (s *service) initRouter() {
	gin.SetMode(s.config.Server.GinMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))

	routes.SetupRoutes(router, routes.Deps{
		Handlers: handlers.Deps{
			Sessions: s.registry,
			Accounts: s.ledger,
			Logger:   s.logger.With("component", "http"),
		},
		Options:  s.opts,
		Metrics:  s.metrics,
		Gatherer: s.promRegistry,
		Logger:   s.logger,
	})
	s.router = router
}

// OpenStorage opens the Badger database described by cfg.Storage. The
// caller owns the returned DB.
func OpenStorage(cfg Config, logger *slog.Logger) (*badger.DB, error) {
	bcfg := badger.DefaultConfig()
	bcfg.Path = expandHome(cfg.Storage.Path)
	bcfg.InMemory = cfg.Storage.InMemory
	bcfg.SyncWrites = cfg.Storage.SyncWrites
	bcfg.GCInterval = cfg.Storage.GCInterval
	bcfg.GCDiscardRatio = cfg.Storage.GCDiscardRatio
	if logger != nil {
		bcfg.Logger = logger.With("component", "badger")
	}

	db, err := badger.OpenDB(bcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return db, nil
}

func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run listens on cfg.Server.ListenAddr and calls Serve.
func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.ListenAddr)
	if err != nil {
		_ = s.Shutdown(context.Background())
		return fmt.Errorf("listen on %s: %w", s.config.Server.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln while recovering stored bindings.
//
// # Description
//
// Recovery runs concurrently with the HTTP server so the control surface
// is available immediately. When ctx is cancelled the server drains for at
// most cfg.Server.ShutdownTimeout, then Shutdown runs.
//
// # Outputs
//
//   - error: nil on a clean ctx-driven stop, otherwise the server error.
func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if !s.config.Session.SkipRecovery {
		g.Go(func() error {
			if _, err := s.registry.Recover(gctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("session recovery incomplete", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.logger.Info("Starting relay server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info("Stopping relay server")
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, s.Shutdown(shutdownCtx))
}

// Router returns the configured Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Shutdown stops every session, flushes telemetry and closes storage.
func (s *service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.cleanup(ctx)
	})
	return s.shutdownErr
}

// cleanup releases whatever New managed to open, in reverse order.
func (s *service) cleanup(ctx context.Context) error {
	var errs []error
	if s.registry != nil {
		if err := s.registry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
