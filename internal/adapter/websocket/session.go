package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"formpulse/internal/analytics"
	"formpulse/pkg/errors"
	"formpulse/pkg/metrics"
)

// outbound is one frame queued for the write pump
type outbound struct {
	kind string
	data []byte
}

// session is one observer connection. It implements analytics.Observer;
// Deliver never blocks the hub: frames go through a buffered queue and
// a session that cannot drain it is disconnected.
type session struct {
	id      string
	ws      *websocket.Conn
	remote  string
	config  *Config
	hub     *analytics.Hub
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, ws *websocket.Conn, config *Config, hub *analytics.Hub, logger *slog.Logger, m *metrics.Metrics) *session {
	return &session{
		id:      id,
		ws:      ws,
		remote:  ws.RemoteAddr().String(),
		config:  config,
		hub:     hub,
		logger:  logger,
		metrics: m,
		limiter: rate.NewLimiter(rate.Limit(config.MessagesPerSecond), config.MessageBurst),
		send:    make(chan outbound, config.SendBuffer),
		done:    make(chan struct{}),
	}
}

// ID identifies the session for room membership
func (s *session) ID() string {
	return s.id
}

// Deliver queues a snapshot broadcast. A full queue means the client
// is not reading; it gets disconnected instead of stalling the room.
func (s *session) Deliver(update analytics.Update) {
	data, err := encodeUpdate(update)
	if err != nil {
		s.logger.Error("Failed to encode analytics update", "session", s.id, "error", err)
		return
	}

	select {
	case s.send <- outbound{kind: MsgAnalyticsUpdate, data: data}:
	case <-s.done:
	default:
		s.logger.Warn("Observer not draining its queue, disconnecting",
			"session", s.id,
			"remote", s.remote,
		)
		if s.metrics != nil {
			s.metrics.ConnectionsTotal.WithLabelValues("shed").Inc()
		}
		s.close()
	}
}

// close tears the session down exactly once: membership first so no
// further broadcasts target it, then the socket, which unblocks the
// read loop.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.LeaveAll(context.Background(), s)
		s.ws.Close()
	})
}

// readLoop consumes inbound frames until the connection dies. It runs
// on the HTTP handler goroutine.
func (s *session) readLoop(ctx context.Context) {
	defer s.close()

	s.ws.SetReadLimit(s.config.MaxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Observer connection closed unexpectedly",
					"session", s.id,
					"remote", s.remote,
					"error", err,
				)
			}
			return
		}

		if !s.limiter.Allow() {
			s.sendError("message rate exceeded")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError("malformed message")
			continue
		}

		if s.metrics != nil {
			s.metrics.MessagesReceived.WithLabelValues(env.Type).Inc()
		}

		s.handle(ctx, env)
	}
}

// handle dispatches one decoded envelope. Invalid messages are echoed
// back as error frames; the connection always survives them.
func (s *session) handle(ctx context.Context, env Envelope) {
	switch env.Type {
	case MsgJoinForm, MsgLeaveForm:
		var p formPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.FormType == "" {
			s.sendError("message is missing formType")
			return
		}
		if env.Type == MsgJoinForm {
			s.hub.Join(ctx, p.FormType, s)
		} else {
			s.hub.Leave(ctx, p.FormType, s)
		}

	default:
		event, err := decodeEvent(env)
		if err != nil {
			s.sendError(errorMessage(err))
			return
		}
		if err := s.hub.HandleEvent(ctx, event); err != nil {
			s.sendError(errorMessage(err))
		}
	}
}

// sendError queues an error frame; drops it if the session is already
// saturated or closing.
func (s *session) sendError(msg string) {
	data, err := encodeError(msg)
	if err != nil {
		return
	}
	select {
	case s.send <- outbound{kind: MsgError, data: data}:
	case <-s.done:
	default:
	}
}

// writePump owns all writes to the socket, including keepalive pings
func (s *session) writePump() {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.ws.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			s.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				s.close()
				return
			}
			if s.metrics != nil {
				s.metrics.MessagesSent.WithLabelValues(msg.kind).Inc()
			}

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// errorMessage extracts the client-facing message from a rejection
func errorMessage(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "invalid message"
}

// Ensure session satisfies the observer contract
var _ analytics.Observer = (*session)(nil)
