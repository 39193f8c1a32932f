package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"formpulse/pkg/errors"
)

// Loader loads configuration from file
type Loader struct {
	path       string
	envEnabled bool
}

// NewLoader creates a config loader
func NewLoader(path string) *Loader {
	return &Loader{
		path:       path,
		envEnabled: true, // Enable env vars by default
	}
}

// WithEnvVars enables or disables environment variable loading
func (l *Loader) WithEnvVars(enabled bool) *Loader {
	l.envEnabled = enabled
	return l
}

// Load loads the configuration, layering the file over the embedded
// defaults and environment variables over the file.
func (l *Loader) Load() (*Config, error) {
	cfg, err := LoadDefault()
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to load default config").WithCause(err)
	}

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, errors.NewError(errors.ErrorTypeInternal, "failed to read config file").WithCause(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeInternal, "failed to parse config").WithCause(err)
		}
	}

	if l.envEnabled {
		if err := LoadEnv(cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeInternal, "failed to load env vars").WithCause(err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, errors.NewError(errors.ErrorTypeBadRequest, "invalid configuration").WithCause(err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func Validate(cfg *Config) error {
	// Port 0 binds an ephemeral port
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return errors.NewError(errors.ErrorTypeBadRequest, "server port out of range").
			WithDetail("port", cfg.Server.Port)
	}

	if len(cfg.Redis.ClusterNodes) == 0 {
		if cfg.Redis.Host == "" {
			return errors.NewError(errors.ErrorTypeBadRequest, "redis host is required")
		}
		if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
			return errors.NewError(errors.ErrorTypeBadRequest, "redis port out of range").
				WithDetail("port", cfg.Redis.Port)
		}
	}

	if cfg.RateLimit.WindowMs <= 0 {
		return errors.NewError(errors.ErrorTypeBadRequest, "rate limit window must be positive").
			WithDetail("windowMs", cfg.RateLimit.WindowMs)
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		return errors.NewError(errors.ErrorTypeBadRequest, "rate limit capacity must be positive").
			WithDetail("maxRequests", cfg.RateLimit.MaxRequests)
	}
	switch cfg.RateLimit.OnCacheError {
	case "", "allow", "deny":
	default:
		return errors.NewError(errors.ErrorTypeBadRequest, "onCacheError must be allow or deny").
			WithDetail("onCacheError", cfg.RateLimit.OnCacheError)
	}

	if cfg.WebSocket.Path == "" {
		return errors.NewError(errors.ErrorTypeBadRequest, "webSocket path is required")
	}
	if cfg.WebSocket.PingPeriod > 0 && cfg.WebSocket.PongWait > 0 &&
		cfg.WebSocket.PingPeriod >= cfg.WebSocket.PongWait {
		return errors.NewError(errors.ErrorTypeBadRequest, "pingPeriod must be shorter than pongWait")
	}

	return nil
}
