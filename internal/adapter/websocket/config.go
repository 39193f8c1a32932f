package websocket

import (
	"time"

	appconfig "formpulse/internal/config"
)

// Config holds observer endpoint configuration
type Config struct {
	Path             string
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	MaxConnections   int

	// PongWait is how long a connection may stay silent before the
	// read loop gives up; PingPeriod must be shorter than PongWait.
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration

	// SendBuffer is the per-session outbound queue depth. A session
	// whose queue is full when a broadcast arrives is disconnected.
	SendBuffer int

	// Inbound message throttle, per connection
	MessagesPerSecond int
	MessageBurst      int

	AllowedOrigins []string
}

// DefaultConfig returns default observer endpoint configuration
func DefaultConfig() *Config {
	return &Config{
		Path:              "/ws",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageSize:    64 * 1024,
		MaxConnections:    1024,
		PongWait:          60 * time.Second,
		PingPeriod:        30 * time.Second,
		WriteWait:         10 * time.Second,
		SendBuffer:        32,
		MessagesPerSecond: 50,
		MessageBurst:      100,
	}
}

// ConfigFrom converts the application webSocket section, falling back
// to defaults for unset values.
func ConfigFrom(ws appconfig.WebSocket) *Config {
	cfg := DefaultConfig()

	if ws.Path != "" {
		cfg.Path = ws.Path
	}
	if ws.ReadBufferSize > 0 {
		cfg.ReadBufferSize = ws.ReadBufferSize
	}
	if ws.WriteBufferSize > 0 {
		cfg.WriteBufferSize = ws.WriteBufferSize
	}
	if ws.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = time.Duration(ws.HandshakeTimeout) * time.Second
	}
	if ws.MaxMessageSize > 0 {
		cfg.MaxMessageSize = ws.MaxMessageSize
	}
	if ws.MaxConnections > 0 {
		cfg.MaxConnections = ws.MaxConnections
	}
	if ws.PongWait > 0 {
		cfg.PongWait = time.Duration(ws.PongWait) * time.Second
	}
	if ws.PingPeriod > 0 {
		cfg.PingPeriod = time.Duration(ws.PingPeriod) * time.Second
	}
	if ws.WriteWait > 0 {
		cfg.WriteWait = time.Duration(ws.WriteWait) * time.Second
	}
	if ws.SendBuffer > 0 {
		cfg.SendBuffer = ws.SendBuffer
	}
	if ws.MessagesPerSecond > 0 {
		cfg.MessagesPerSecond = ws.MessagesPerSecond
	}
	if ws.MessageBurst > 0 {
		cfg.MessageBurst = ws.MessageBurst
	}
	cfg.AllowedOrigins = ws.AllowedOrigins

	return cfg
}
