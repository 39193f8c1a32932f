package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"formpulse/internal/config"
	"formpulse/pkg/metrics"
)

func testConfig(t *testing.T) (*config.Config, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	loader := config.NewLoader("").WithEnvVars(false)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	host, portStr, _ := strings.Cut(mr.Addr(), ":")
	port, _ := strconv.Atoi(portStr)
	cfg.Redis.Host = host
	cfg.Redis.Port = port
	cfg.Server.Port = 0 // ephemeral
	cfg.RateLimit.MaxRequests = 2

	return cfg, mr
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	m := metrics.NewWithRegistry(prometheus.NewRegistry(), prometheus.NewRegistry())
	srv, err := NewServer(cfg, slog.Default(), WithMetrics(m))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return srv
}

func TestServer_ServesAPI(t *testing.T) {
	cfg, _ := testConfig(t)
	srv := startServer(t, cfg)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(fmt.Sprintf("http://%s/readyz", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /readyz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200 with a live cache", resp.StatusCode)
	}

	resp, err = http.Get(fmt.Sprintf("http://%s/api/forms/nda/metrics", srv.Addr()))
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_ExportIsRateLimited(t *testing.T) {
	cfg, _ := testConfig(t)
	srv := startServer(t, cfg)

	url := fmt.Sprintf("http://%s/api/forms/nda/export", srv.Addr())
	var last int
	for i := 0; i < 3; i++ {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET export failed: %v", err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}

	if last != http.StatusTooManyRequests {
		t.Errorf("third export status = %d, want 429 with maxRequests=2", last)
	}
}

func TestServer_ObserverRoundTrip(t *testing.T) {
	cfg, _ := testConfig(t)
	srv := startServer(t, cfg)

	url := fmt.Sprintf("ws://%s%s", srv.Addr(), cfg.WebSocket.Path)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	defer conn.Close()

	join, _ := json.Marshal(map[string]any{
		"type": "join_form",
		"data": map[string]string{"formType": "nda"},
	})
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("failed to send join: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read update: %v", err)
	}

	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.Type != "analytics_update" {
		t.Errorf("envelope type = %q, want analytics_update", env.Type)
	}

	if got := srv.Hub().Occupancy("nda"); got != 1 {
		t.Errorf("Occupancy() = %d, want 1", got)
	}
}

func TestServer_WatchConfigAppliesRateLimit(t *testing.T) {
	cfg, _ := testConfig(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "formpulse.yaml")
	write := func(maxRequests int) {
		body := fmt.Sprintf("rateLimit:\n  windowMs: 60000\n  maxRequests: %d\n", maxRequests)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
	}
	write(2)

	srv := startServer(t, cfg)
	if err := srv.WatchConfig(path); err != nil {
		t.Fatalf("WatchConfig() error: %v", err)
	}

	write(99)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if srv.limiter.Config().MaxRequests == 99 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("limiter config not updated, maxRequests = %d", srv.limiter.Config().MaxRequests)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	cfg, _ := testConfig(t)
	srv := startServer(t, cfg)

	ctx := context.Background()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
}
