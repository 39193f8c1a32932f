package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "formpulse.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefault(t *testing.T) {
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Redis.Host != "localhost" {
		t.Errorf("expected default redis host localhost, got %q", cfg.Redis.Host)
	}
	if cfg.RateLimit.OnCacheError != "allow" {
		t.Errorf("expected default onCacheError allow, got %q", cfg.RateLimit.OnCacheError)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoader_Load(t *testing.T) {
	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  port: 9090
rateLimit:
  windowMs: 1000
  maxRequests: 5
`)
		cfg, err := NewLoader(path).WithEnvVars(false).Load()
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}

		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.RateLimit.MaxRequests != 5 {
			t.Errorf("expected maxRequests 5, got %d", cfg.RateLimit.MaxRequests)
		}
		// Untouched values keep their defaults
		if cfg.Redis.Port != 6379 {
			t.Errorf("expected default redis port, got %d", cfg.Redis.Port)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewLoader("/nonexistent/formpulse.yaml").Load()
		if err == nil {
			t.Fatal("expected error for missing config file")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfigFile(t, "server: [not a mapping")
		_, err := NewLoader(path).Load()
		if err == nil {
			t.Fatal("expected error for malformed yaml")
		}
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		path := writeConfigFile(t, `
rateLimit:
  maxRequests: -1
`)
		_, err := NewLoader(path).WithEnvVars(false).Load()
		if err == nil {
			t.Fatal("expected validation error for negative capacity")
		}
	})
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("FORMPULSE_REDIS_HOST", "cache.internal")
	t.Setenv("FORMPULSE_REDIS_CLUSTERNODES", "node1:6379, node2:6379")
	t.Setenv("FORMPULSE_RATELIMIT_MAXREQUESTS", "25")
	t.Setenv("FORMPULSE_RATELIMIT_ONCACHEERROR", "deny")
	t.Setenv("FORMPULSE_TELEMETRY_ENABLED", "true")

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if err := LoadEnv(cfg); err != nil {
		t.Fatalf("LoadEnv() error: %v", err)
	}

	if cfg.Redis.Host != "cache.internal" {
		t.Errorf("expected redis host override, got %q", cfg.Redis.Host)
	}
	if len(cfg.Redis.ClusterNodes) != 2 || cfg.Redis.ClusterNodes[1] != "node2:6379" {
		t.Errorf("expected cluster node list, got %v", cfg.Redis.ClusterNodes)
	}
	if cfg.RateLimit.MaxRequests != 25 {
		t.Errorf("expected maxRequests 25, got %d", cfg.RateLimit.MaxRequests)
	}
	if cfg.RateLimit.OnCacheError != "deny" {
		t.Errorf("expected onCacheError deny, got %q", cfg.RateLimit.OnCacheError)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("expected telemetry enabled")
	}
}

func TestLoadEnv_InvalidInt(t *testing.T) {
	t.Setenv("FORMPULSE_SERVER_PORT", "not-a-number")

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if err := LoadEnv(cfg); err == nil {
		t.Fatal("expected error for invalid int env value")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadDefault()
		if err != nil {
			t.Fatalf("LoadDefault() error: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"ephemeral server port", func(c *Config) { c.Server.Port = 0 }, false},
		{"negative server port", func(c *Config) { c.Server.Port = -1 }, true},
		{"missing redis host", func(c *Config) { c.Redis.Host = "" }, true},
		{"cluster nodes without host", func(c *Config) {
			c.Redis.Host = ""
			c.Redis.ClusterNodes = []string{"node1:6379"}
		}, false},
		{"zero window", func(c *Config) { c.RateLimit.WindowMs = 0 }, true},
		{"bad cache error policy", func(c *Config) { c.RateLimit.OnCacheError = "maybe" }, true},
		{"ping period at pong wait", func(c *Config) {
			c.WebSocket.PingPeriod = 60
			c.WebSocket.PongWait = 60
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
