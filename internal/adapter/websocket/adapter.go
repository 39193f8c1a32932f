// Package websocket is the observer transport: it upgrades dashboard
// connections, decodes the message envelope and feeds events into the
// analytics hub.
package websocket

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"formpulse/internal/analytics"
	"formpulse/pkg/metrics"
)

// Adapter serves the observer endpoint. It is mounted on the shared
// HTTP server as a plain http.Handler.
type Adapter struct {
	config   *Config
	hub      *analytics.Hub
	upgrader *websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics

	connSemaphore chan struct{}

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// NewAdapter creates an observer endpoint backed by the given hub
func NewAdapter(config *Config, hub *analytics.Hub, logger *slog.Logger) *Adapter {
	if config == nil {
		config = DefaultConfig()
	}

	upgrader := &websocket.Upgrader{
		HandshakeTimeout: config.HandshakeTimeout,
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		CheckOrigin:      makeCheckOrigin(config.AllowedOrigins),
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			logger.Error("WebSocket upgrade error",
				"status", status,
				"error", reason,
				"remote", r.RemoteAddr,
			)
			http.Error(w, reason.Error(), status)
		},
	}

	return &Adapter{
		config:        config,
		hub:           hub,
		upgrader:      upgrader,
		logger:        logger,
		connSemaphore: make(chan struct{}, config.MaxConnections),
		sessions:      make(map[string]*session),
	}
}

// WithMetrics sets the metrics for the adapter
func (a *Adapter) WithMetrics(m *metrics.Metrics) *Adapter {
	a.metrics = m
	return a
}

// ServeHTTP upgrades the request and runs the session until the
// connection dies. The handler goroutine doubles as the read loop.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case a.connSemaphore <- struct{}{}:
		defer func() { <-a.connSemaphore }()
	default:
		a.logger.Warn("Max observer connections reached, rejecting new connection",
			"remote", r.RemoteAddr,
			"maxConnections", a.config.MaxConnections,
		)
		if a.metrics != nil {
			a.metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		}
		http.Error(w, "Too Many Connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Error already logged by upgrader.Error
		if a.metrics != nil {
			a.metrics.ConnectionsTotal.WithLabelValues("failed").Inc()
		}
		return
	}

	sess := newSession(uuid.NewString(), ws, a.config, a.hub, a.logger, a.metrics)
	if !a.track(sess) {
		// Adapter is shutting down
		ws.Close()
		return
	}
	defer a.untrack(sess)

	if a.metrics != nil {
		a.metrics.ConnectionsTotal.WithLabelValues("established").Inc()
		a.metrics.Connections.Inc()
		defer a.metrics.Connections.Dec()
	}

	a.logger.Debug("Observer connected", "session", sess.id, "remote", sess.remote)

	go sess.writePump()
	sess.readLoop(r.Context())

	a.logger.Debug("Observer disconnected", "session", sess.id, "remote", sess.remote)
}

// Close disconnects every active session. New connections are refused
// afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	active := make([]*session, 0, len(a.sessions))
	for _, sess := range a.sessions {
		active = append(active, sess)
	}
	a.mu.Unlock()

	for _, sess := range active {
		sess.close()
	}
	return nil
}

// ActiveSessions returns the number of tracked connections
func (a *Adapter) ActiveSessions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

func (a *Adapter) track(sess *session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.sessions[sess.id] = sess
	return true
}

func (a *Adapter) untrack(sess *session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sess.id)
}

// makeCheckOrigin builds the origin checker. Browser requests from the
// same host always pass; cross-origin dashboards must be listed, with
// "*" admitting everything.
func makeCheckOrigin(allowed []string) func(r *http.Request) bool {
	allowedOrigins := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		allowedOrigins[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowedOrigins["*"] || allowedOrigins[origin] {
			return true
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}

		reqHost := r.Host
		if host, _, err := net.SplitHostPort(reqHost); err == nil {
			reqHost = host
		}
		return originURL.Hostname() == reqHost
	}
}

// Ensure the adapter mounts as a route handler
var _ http.Handler = (*Adapter)(nil)

// Shutdown is a context-aware alias for Close matching the shape of
// the other long-lived components.
func (a *Adapter) Shutdown(ctx context.Context) error {
	return a.Close()
}
