// Package server hosts the public decision listener and the admin
// listener, and swaps runtimes atomically on configuration reload.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voronkovm/authpipe/internal/audit"
	"github.com/voronkovm/authpipe/internal/config"
	"github.com/voronkovm/authpipe/internal/health"
	"github.com/voronkovm/authpipe/internal/middleware"
	"github.com/voronkovm/authpipe/internal/observability"
)

// ginMode switches gin to release mode exactly once per process.
var ginMode sync.Once

// newEngine hosts the decision handler on a bare gin engine. No routes
// are registered on the engine itself: the route table decides, so
// every request falls through to NoRoute.
func newEngine(h http.Handler) *gin.Engine {
	ginMode.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.NoRoute(gin.WrapH(h))
	return engine
}

// Server owns both listeners and the current runtime. Reload builds a
// new runtime and swaps it atomically; in-flight requests finish on
// the runtime they started with.
type Server struct {
	cfg       *config.Config
	runtime   atomic.Pointer[config.Runtime]
	buildOpts []config.BuildOption

	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	checker *health.Checker
	reloads *health.ReloadStatus

	auditLog *audit.AtomicLogger
	limiter  *middleware.RateLimiter

	public *http.Server
	admin  *http.Server

	publicAddr atomic.Value
	adminAddr  atomic.Value

	drainDelay time.Duration
	running    atomic.Bool
}

// Option is a functional option for the server.
type Option func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger observability.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerMetrics enables request, middleware and reload metrics.
func WithServerMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithServerTracer adds the tracing middleware to the public chain.
func WithServerTracer(t *observability.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

// WithServerChecker wires store health checks into the given checker
// and exposes its probes on the admin listener.
func WithServerChecker(c *health.Checker) Option {
	return func(s *Server) {
		s.checker = c
	}
}

// WithReloadStatus reports reload outcomes to the given tracker.
func WithReloadStatus(rs *health.ReloadStatus) Option {
	return func(s *Server) {
		s.reloads = rs
	}
}

// WithBuildOptions sets the options Reload passes to config.Build,
// typically the secrets provider, logger and metrics.
func WithBuildOptions(opts ...config.BuildOption) Option {
	return func(s *Server) {
		s.buildOpts = opts
	}
}

// New creates the server over an already-built runtime.
func New(cfg *config.Config, rt *config.Runtime, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: configuration is required")
	}
	if rt == nil {
		return nil, errors.New("server: runtime is required")
	}

	s := &Server{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runtime.Store(rt)
	s.auditLog = audit.NewAtomicLogger(rt.Audit())

	s.drainDelay = cfg.Server.WriteTimeout.Or(config.DefaultWriteTimeout)

	s.public = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           s.publicHandler(),
		ReadTimeout:       cfg.Server.ReadTimeout.Or(config.DefaultReadTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout.Or(config.DefaultWriteTimeout),
		IdleTimeout:       cfg.Server.IdleTimeout.Or(config.DefaultIdleTimeout),
		MaxHeaderBytes:    1 << 20,
	}

	admin := NewAdmin(s.Runtime,
		WithAdminMetrics(s.metrics),
		WithAdminChecker(s.checker),
		WithAdminLogger(s.logger),
	)
	s.admin = &http.Server{
		Addr:              cfg.Server.AdminListen,
		Handler:           admin.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout.Or(config.DefaultReadTimeout),
		WriteTimeout:      cfg.Server.WriteTimeout.Or(config.DefaultWriteTimeout),
	}

	s.registerStoreChecks(rt)

	return s, nil
}

// publicHandler assembles the public middleware chain around the gin
// engine hosting the decision handler.
func (s *Server) publicHandler() http.Handler {
	handler := NewHandler(s.Runtime,
		WithHandlerLogger(s.logger),
		WithHandlerMetrics(s.metrics),
		WithHandlerForwarder(NewForwarder(WithForwarderLogger(s.logger))),
	)
	engine := newEngine(handler)

	rateLimit, limiter := middleware.RateLimitFromConfig(s.cfg.Server.RateLimit, s.logger, s.metrics, s.auditLog)
	s.limiter = limiter

	maxBody := s.cfg.Server.MaxBodyBytes
	if maxBody == 0 {
		maxBody = config.DefaultMaxBodyBytes
	}
	if maxBody < 0 {
		maxBody = 0
	}

	mws := []middleware.Middleware{
		middleware.SecurityHeadersFromConfig(s.cfg.Server.SecurityHeaders),
		middleware.RequestID(),
		middleware.Recovery(s.logger, s.metrics, s.auditLog),
		middleware.Logging(s.logger),
	}
	if s.tracer != nil {
		mws = append(mws, observability.TracingMiddleware(s.tracer))
	}
	mws = append(mws,
		rateLimit,
		middleware.BodyLimit(maxBody, s.logger, s.metrics, s.auditLog),
	)

	return middleware.Chain(engine, mws...)
}

// Runtime returns the current runtime.
func (s *Server) Runtime() *config.Runtime {
	return s.runtime.Load()
}

// PublicAddr returns the bound public address once started.
func (s *Server) PublicAddr() string {
	if addr, ok := s.publicAddr.Load().(string); ok {
		return addr
	}
	return s.cfg.Server.Listen
}

// AdminAddr returns the bound admin address once started.
func (s *Server) AdminAddr() string {
	if addr, ok := s.adminAddr.Load().(string); ok {
		return addr
	}
	return s.cfg.Server.AdminListen
}

// IsRunning reports whether the listeners are serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Start binds and serves both listeners.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("server: already running")
	}

	var lc net.ListenConfig
	publicLn, err := lc.Listen(ctx, "tcp", s.public.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.public.Addr, err)
	}
	adminLn, err := lc.Listen(ctx, "tcp", s.admin.Addr)
	if err != nil {
		_ = publicLn.Close()
		return fmt.Errorf("listen on %s: %w", s.admin.Addr, err)
	}

	s.publicAddr.Store(publicLn.Addr().String())
	s.adminAddr.Store(adminLn.Addr().String())
	s.running.Store(true)

	s.logger.Info("server started",
		observability.String("listen", publicLn.Addr().String()),
		observability.String("admin_listen", adminLn.Addr().String()),
		observability.Int("routes", s.Runtime().Pipeline().Routes().Len()),
	)

	go s.serve("public", s.public, publicLn)
	go s.serve("admin", s.admin, adminLn)

	return nil
}

// serve runs one listener until shutdown.
func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("listener error",
			observability.String("listener", name),
			observability.Error(err),
		)
	}
}

// Stop drains both listeners, stops the rate limiter cleanup, and
// closes the current runtime.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}

	s.logger.Info("stopping server")

	if _, ok := ctx.Deadline(); !ok {
		timeout := s.cfg.Server.ShutdownTimeout.Or(config.DefaultShutdownTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"public": s.public, "admin": s.admin} {
		wg.Add(1)
		go func(name string, srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				_ = srv.Close()
				errCh <- fmt.Errorf("shutdown %s listener: %w", name, err)
			}
		}(name, srv)
	}
	wg.Wait()
	close(errCh)

	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.running.Store(false)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if rt := s.runtime.Load(); rt != nil {
		if err := rt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close runtime: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("server stopped")
	return nil
}

// Reload builds a runtime from the new configuration and swaps it in.
// A failed build keeps the current runtime serving.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	rt, err := config.Build(ctx, cfg, s.buildOpts...)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordReload(false)
		}
		if s.reloads != nil {
			s.reloads.RecordFailure(err)
		}
		if current := s.runtime.Load(); current != nil && current.Audit() != nil {
			current.Audit().LogConfiguration(ctx, audit.ActionConfigReload, audit.OutcomeFailure)
		}
		s.logger.Error("configuration reload rejected", observability.Error(err))
		return err
	}

	old := s.runtime.Swap(rt)
	s.auditLog.Swap(rt.Audit())

	if s.metrics != nil {
		s.metrics.RecordReload(true)
	}
	if s.reloads != nil {
		s.reloads.RecordSuccess()
	}
	if rt.Audit() != nil {
		rt.Audit().LogConfiguration(ctx, audit.ActionConfigReload, audit.OutcomeSuccess)
	}

	if old != nil {
		s.unregisterStoreChecks(old)
	}
	s.registerStoreChecks(rt)

	s.logger.Info("configuration reloaded",
		observability.Int("routes", rt.Pipeline().Routes().Len()),
		observability.Int("stores", len(rt.Stores())),
	)

	if old != nil {
		go s.closeRuntime(old)
	}

	return nil
}

// closeRuntime releases a replaced runtime. In-flight requests may
// still hold its pipeline; they get the write timeout to finish before
// the stores go away.
func (s *Server) closeRuntime(old *config.Runtime) {
	time.Sleep(s.drainDelay)
	if err := old.Close(); err != nil {
		s.logger.Warn("close replaced runtime", observability.Error(err))
	}
}

// registerStoreChecks adds one health check per store.
func (s *Server) registerStoreChecks(rt *config.Runtime) {
	if s.checker == nil {
		return
	}
	for name, st := range rt.Stores() {
		s.checker.RegisterCheck("store:"+name, health.StoreCheck(st))
	}
}

// unregisterStoreChecks removes a replaced runtime's store checks.
func (s *Server) unregisterStoreChecks(rt *config.Runtime) {
	if s.checker == nil {
		return
	}
	for name := range rt.Stores() {
		s.checker.UnregisterCheck("store:" + name)
	}
}
