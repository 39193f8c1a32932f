package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"formpulse/internal/analytics"
	"formpulse/internal/cache"
	"formpulse/internal/retry"
)

func setupAdapter(t *testing.T, mutate func(*Config)) (*Adapter, *httptest.Server) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = mr.Addr()
	cacheCfg.Retry = retry.Config{Attempts: 2, Delay: time.Millisecond}
	cacheCfg.Backoff = retry.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cacheCfg.MaxConnectAttempts = 2

	client := cache.New(cacheCfg, slog.Default())
	t.Cleanup(func() { client.Close() })

	store := analytics.NewStore(client, slog.Default())
	hub := analytics.NewHub(store, slog.Default())

	cfg := DefaultConfig()
	cfg.PingPeriod = 10 * time.Second
	cfg.PongWait = 20 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	adapter := NewAdapter(cfg, hub, slog.Default())
	t.Cleanup(func() { adapter.Close() })

	srv := httptest.NewServer(adapter)
	t.Cleanup(srv.Close)

	return adapter, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	frame, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to decode envelope %q: %v", data, err)
	}
	return env
}

func readUpdate(t *testing.T, conn *websocket.Conn) analytics.Update {
	t.Helper()

	env := readEnvelope(t, conn)
	if env.Type != MsgAnalyticsUpdate {
		t.Fatalf("expected %s envelope, got %s", MsgAnalyticsUpdate, env.Type)
	}

	var update analytics.Update
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatalf("failed to decode update: %v", err)
	}
	return update
}

func TestAdapter_JoinReceivesSnapshot(t *testing.T) {
	_, srv := setupAdapter(t, nil)
	conn := dial(t, srv)

	send(t, conn, MsgJoinForm, formPayload{FormType: "contract-nda"})

	update := readUpdate(t, conn)
	if update.FormType != "contract-nda" {
		t.Errorf("update formType = %q, want contract-nda", update.FormType)
	}
	if update.ActiveUsers != 1 {
		t.Errorf("activeUsers = %d, want 1", update.ActiveUsers)
	}
	if update.Metrics.Views != 0 {
		t.Errorf("views = %d, want 0 for a fresh form", update.Metrics.Views)
	}
}

func TestAdapter_EventBroadcastToRoom(t *testing.T) {
	_, srv := setupAdapter(t, nil)

	first := dial(t, srv)
	send(t, first, MsgJoinForm, formPayload{FormType: "lease"})
	readUpdate(t, first) // own join

	second := dial(t, srv)
	send(t, second, MsgJoinForm, formPayload{FormType: "lease"})
	readUpdate(t, second)

	// first also sees the membership change
	if update := readUpdate(t, first); update.ActiveUsers != 2 {
		t.Fatalf("activeUsers after second join = %d, want 2", update.ActiveUsers)
	}

	send(t, second, MsgFormView, formPayload{FormType: "lease"})

	for name, conn := range map[string]*websocket.Conn{"first": first, "second": second} {
		update := readUpdate(t, conn)
		if update.Metrics.Views != 1 {
			t.Errorf("%s: views = %d, want 1", name, update.Metrics.Views)
		}
		if update.ActiveUsers != 2 {
			t.Errorf("%s: activeUsers = %d, want 2", name, update.ActiveUsers)
		}
	}
}

func TestAdapter_CompletionUpdatesAverage(t *testing.T) {
	_, srv := setupAdapter(t, nil)
	conn := dial(t, srv)

	send(t, conn, MsgJoinForm, formPayload{FormType: "visa"})
	readUpdate(t, conn)

	send(t, conn, MsgFormCompletion, completionPayload{
		FormType:       "visa",
		CompletionTime: 1200,
		FormData:       &formData{FieldCount: 10, FilledFields: 10},
	})

	update := readUpdate(t, conn)
	if update.Metrics.Completed != 1 {
		t.Errorf("completed = %d, want 1", update.Metrics.Completed)
	}
	if update.Metrics.AverageCompletionTimeMs != 1200 {
		t.Errorf("average = %v, want 1200", update.Metrics.AverageCompletionTimeMs)
	}
}

func TestAdapter_InvalidEventGetsErrorFrame(t *testing.T) {
	_, srv := setupAdapter(t, nil)
	conn := dial(t, srv)

	send(t, conn, MsgFieldInteraction, interactionPayload{FormType: "visa"})

	env := readEnvelope(t, conn)
	if env.Type != MsgError {
		t.Fatalf("expected %s envelope, got %s", MsgError, env.Type)
	}

	var p errorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if p.Error == "" {
		t.Error("expected a non-empty error message")
	}

	// The connection survives the rejection
	send(t, conn, MsgJoinForm, formPayload{FormType: "visa"})
	if update := readUpdate(t, conn); update.ActiveUsers != 1 {
		t.Errorf("activeUsers = %d, want 1 after recovering", update.ActiveUsers)
	}
}

func TestAdapter_UnknownMessageType(t *testing.T) {
	_, srv := setupAdapter(t, nil)
	conn := dial(t, srv)

	send(t, conn, "subscribe", formPayload{FormType: "visa"})

	if env := readEnvelope(t, conn); env.Type != MsgError {
		t.Fatalf("expected %s envelope, got %s", MsgError, env.Type)
	}
}

func TestAdapter_RoomIsolation(t *testing.T) {
	_, srv := setupAdapter(t, nil)

	nda := dial(t, srv)
	send(t, nda, MsgJoinForm, formPayload{FormType: "nda"})
	readUpdate(t, nda)

	lease := dial(t, srv)
	send(t, lease, MsgJoinForm, formPayload{FormType: "lease"})
	readUpdate(t, lease)

	send(t, nda, MsgFormView, formPayload{FormType: "nda"})
	readUpdate(t, nda)

	// lease must not see the nda update
	lease.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := lease.ReadMessage(); err == nil {
		t.Error("lease observer received an update for a foreign room")
	}
}

func TestAdapter_DisconnectLeavesRooms(t *testing.T) {
	_, srv := setupAdapter(t, nil)

	stayer := dial(t, srv)
	send(t, stayer, MsgJoinForm, formPayload{FormType: "nda"})
	readUpdate(t, stayer)

	leaver := dial(t, srv)
	send(t, leaver, MsgJoinForm, formPayload{FormType: "nda"})
	readUpdate(t, leaver)

	if update := readUpdate(t, stayer); update.ActiveUsers != 2 {
		t.Fatalf("activeUsers = %d, want 2", update.ActiveUsers)
	}

	leaver.Close()

	if update := readUpdate(t, stayer); update.ActiveUsers != 1 {
		t.Errorf("activeUsers after disconnect = %d, want 1", update.ActiveUsers)
	}
}

func TestAdapter_ConnectionLimit(t *testing.T) {
	_, srv := setupAdapter(t, func(cfg *Config) {
		cfg.MaxConnections = 1
	})

	dial(t, srv)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail once the connection limit is reached")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 response, got %+v", resp)
	}
}

func TestAdapter_InboundThrottle(t *testing.T) {
	_, srv := setupAdapter(t, func(cfg *Config) {
		cfg.MessagesPerSecond = 1
		cfg.MessageBurst = 1
	})
	conn := dial(t, srv)

	send(t, conn, MsgJoinForm, formPayload{FormType: "visa"})
	readUpdate(t, conn)

	// Burst the throttle; at least one frame must bounce
	for i := 0; i < 5; i++ {
		send(t, conn, MsgFormView, formPayload{FormType: "visa"})
	}

	sawRateError := false
	for i := 0; i < 5; i++ {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("failed to decode envelope: %v", err)
		}
		if env.Type == MsgError {
			sawRateError = true
			break
		}
	}
	if !sawRateError {
		t.Error("expected a rate exceeded error frame")
	}
}

func TestAdapter_CloseDisconnectsSessions(t *testing.T) {
	adapter, srv := setupAdapter(t, nil)
	conn := dial(t, srv)

	send(t, conn, MsgJoinForm, formPayload{FormType: "visa"})
	readUpdate(t, conn)

	if got := adapter.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1", got)
	}

	if err := adapter.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestMakeCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "example.com", true},
		{"same host", nil, "http://example.com", "example.com", true},
		{"same host with port", nil, "http://example.com:8080", "example.com:8080", true},
		{"foreign host denied", nil, "http://evil.test", "example.com", false},
		{"listed origin", []string{"http://dash.test"}, "http://dash.test", "example.com", true},
		{"wildcard", []string{"*"}, "http://anything.test", "example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := makeCheckOrigin(tt.allowed)

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			if got := check(r); got != tt.want {
				t.Errorf("checkOrigin(%q against %q) = %v, want %v", tt.origin, tt.host, got, tt.want)
			}
		})
	}
}
