// Package app assembles the analytics service: cache client, rate
// limiter, hub, transports and the shared HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	wsadapter "formpulse/internal/adapter/websocket"
	"formpulse/internal/analytics"
	"formpulse/internal/api"
	"formpulse/internal/cache"
	"formpulse/internal/config"
	"formpulse/internal/ratelimit"
	"formpulse/internal/retry"
	"formpulse/internal/telemetry"
	"formpulse/pkg/errors"
	"formpulse/pkg/metrics"
)

// Server owns the component graph and the HTTP listener
type Server struct {
	config    *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	telemetry *telemetry.Telemetry

	cache     *cache.RedisCache
	limiter   *ratelimit.SlidingWindowLimiter
	store     *analytics.Store
	hub       *analytics.Hub
	wsAdapter *wsadapter.Adapter

	httpServer *http.Server
	listener   net.Listener
	watcher    *config.Watcher

	mu      sync.Mutex
	running bool
}

// Option customizes server construction
type Option func(*Server)

// WithMetrics overrides the default-registry metrics, mainly for tests
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer builds the component graph. No I/O happens here; the cache
// connects on Start.
func NewServer(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	s := &Server{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to initialize telemetry").WithCause(err)
	}
	s.telemetry = tel

	s.cache = cache.New(cacheConfigFrom(cfg.Redis), logger)
	s.limiter = ratelimit.New(s.cache, rateLimitConfigFrom(cfg.RateLimit), logger)
	s.store = analytics.NewStore(s.cache, logger)
	s.hub = analytics.NewHub(s.store, logger).
		WithMetrics(s.metrics).
		WithTracer(tel.Tracer())

	wsCfg := wsadapter.ConfigFrom(cfg.WebSocket)
	s.wsAdapter = wsadapter.NewAdapter(wsCfg, s.hub, logger).WithMetrics(s.metrics)

	handler := api.NewHandler(s.hub, s.store, s.cache, logger).WithMetrics(s.metrics)

	mux := http.NewServeMux()
	handler.Routes(mux, ratelimit.Middleware(s.limiter, ratelimit.ByClientIP, s.metrics, logger))
	mux.Handle("GET "+wsCfg.Path, s.wsAdapter)

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout stays unset: it would kill long-lived observer
		// connections sharing this listener.
	}

	return s, nil
}

// Start connects the cache and begins serving. Non-blocking; the
// server runs until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.NewError(errors.ErrorTypeInternal, "server already running")
	}

	// A dead cache is not fatal: the limiter fails open and analytics
	// events are dropped until it comes back.
	if err := s.cache.Connect(ctx); err != nil {
		s.logger.Error("Cache connection failed, starting degraded", "error", err)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewError(errors.ErrorTypeInternal, fmt.Sprintf("failed to bind listener to %s", addr)).
			WithCause(err)
	}
	s.listener = listener

	s.logger.Info("Server listening", "address", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.running = true
	return nil
}

// WatchConfig reloads the file at path on change and applies the
// rate-limit section to the running limiter. Other sections need a
// restart.
func (s *Server) WatchConfig(path string) error {
	watcher, err := config.NewWatcher(path, &config.WatcherConfig{
		DebounceDuration: 500 * time.Millisecond,
		OnChange: func(newConfig *config.Config) error {
			s.limiter.UpdateConfig(rateLimitConfigFrom(newConfig.RateLimit))
			s.logger.Info("Applied rate limit configuration",
				"windowMs", newConfig.RateLimit.WindowMs,
				"maxRequests", newConfig.RateLimit.MaxRequests,
			)
			return nil
		},
		OnError: func(err error) {
			s.logger.Error("Config reload failed, keeping previous settings", "error", err)
		},
	}, s.logger)
	if err != nil {
		return err
	}

	watcher.Start()
	s.watcher = watcher
	return nil
}

// Addr returns the bound listener address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Hub exposes the analytics hub, mainly for tests
func (s *Server) Hub() *analytics.Hub {
	return s.hub
}

// Stop shuts everything down in dependency order: stop accepting,
// drain observers, then release the cache and flush spans.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Stopping server")

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn("Failed to stop config watcher", "error", err)
		}
	}

	var errs []error

	s.wsAdapter.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping HTTP server: %w", err))
	}

	if err := s.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing cache client: %w", err))
	}

	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing telemetry: %w", err))
	}

	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	s.logger.Info("Server stopped")
	return nil
}

func cacheConfigFrom(r config.Redis) cache.Config {
	cfg := cache.DefaultConfig()

	cfg.Addr = fmt.Sprintf("%s:%d", r.Host, r.Port)
	cfg.Password = r.Password
	cfg.DB = r.DB
	cfg.ClusterNodes = r.ClusterNodes

	if r.PoolSize > 0 {
		cfg.PoolSize = r.PoolSize
	}
	if r.MinIdleConns > 0 {
		cfg.MinIdleConns = r.MinIdleConns
	}
	if r.ConnectTimeout > 0 {
		cfg.DialTimeout = time.Duration(r.ConnectTimeout) * time.Second
	}
	if r.ReadTimeout > 0 {
		cfg.ReadTimeout = time.Duration(r.ReadTimeout) * time.Second
	}
	if r.WriteTimeout > 0 {
		cfg.WriteTimeout = time.Duration(r.WriteTimeout) * time.Second
	}
	if r.RetryAttempts > 0 {
		cfg.Retry = retry.Config{
			Attempts: r.RetryAttempts,
			Delay:    time.Duration(r.RetryDelayMs) * time.Millisecond,
		}
	}

	return cfg
}

func rateLimitConfigFrom(rl config.RateLimit) ratelimit.Config {
	return ratelimit.Config{
		Window:       time.Duration(rl.WindowMs) * time.Millisecond,
		MaxRequests:  rl.MaxRequests,
		KeyPrefix:    rl.KeyPrefix,
		OnCacheError: ratelimit.Policy(rl.OnCacheError),
	}
}
