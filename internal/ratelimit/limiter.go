// Package ratelimit implements sliding-window admission control on top
// of the shared cache's sorted-set primitives. Each admitted request is
// stored as an individually timestamped entry, so the window truly
// slides instead of resetting at fixed boundaries.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"formpulse/internal/cache"
	"formpulse/pkg/errors"
)

// Policy selects behavior when the cache cannot answer an admission check
type Policy string

const (
	// PolicyAllow fails open: availability over admission correctness
	PolicyAllow Policy = "allow"
	// PolicyDeny fails closed
	PolicyDeny Policy = "deny"
)

// Config holds limiter configuration
type Config struct {
	// Window is the sliding window length
	Window time.Duration
	// MaxRequests is the window capacity
	MaxRequests int
	// KeyPrefix namespaces the limiter's cache keys
	KeyPrefix string
	// OnCacheError selects fail-open vs fail-closed (default allow)
	OnCacheError Policy
}

// Result is the outcome of one admission check
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the whole seconds to wait before retrying; only
	// set on denial.
	RetryAfter int
	// FailedOpen marks a request admitted only because the cache was
	// degraded; Remaining is meaningless in that case.
	FailedOpen bool
}

// SlidingWindowLimiter checks admission against a per-identifier window
// of timestamped entries in the shared cache.
//
// The prune/count/insert sequence is three separate round trips, not
// one atomic transaction: under heavy concurrent load on the same
// identifier it can admit slightly more than MaxRequests. That
// approximation is accepted; each individual primitive is atomic.
type SlidingWindowLimiter struct {
	cache  cache.Client
	logger *slog.Logger

	mu     sync.RWMutex
	config Config
}

// New creates a sliding-window limiter
func New(client cache.Client, config Config, logger *slog.Logger) *SlidingWindowLimiter {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ratelimit"
	}
	if config.OnCacheError == "" {
		config.OnCacheError = PolicyAllow
	}
	return &SlidingWindowLimiter{
		cache:  client,
		logger: logger.With("component", "ratelimit"),
		config: config,
	}
}

// CheckLimit decides whether the identifier may proceed. Cache failures
// never propagate: the configured policy answers instead, and the
// degraded decision is logged.
func (l *SlidingWindowLimiter) CheckLimit(ctx context.Context, identifier string) (Result, error) {
	if identifier == "" {
		return Result{}, errors.NewError(errors.ErrorTypeBadRequest, "rate limit identifier is empty")
	}

	cfg := l.snapshot()
	key := fmt.Sprintf("%s:%s", cfg.KeyPrefix, identifier)
	now := time.Now()
	windowStart := now.Add(-cfg.Window)

	// Expired entries never count
	if err := l.cache.RemoveSortedSetRange(ctx, key, 0, scoreOf(windowStart)); err != nil {
		return l.degraded(cfg, identifier, err), nil
	}

	count, err := l.cache.CountSortedSet(ctx, key)
	if err != nil {
		return l.degraded(cfg, identifier, err), nil
	}

	if count >= int64(cfg.MaxRequests) {
		retryAfter, err := l.retryAfter(ctx, key, cfg.Window, now)
		if err != nil {
			return l.degraded(cfg, identifier, err), nil
		}
		return Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	// Random suffix keeps concurrent requests in the same instant from
	// colliding on the member value.
	member := fmt.Sprintf("%d-%s", now.UnixMicro(), randomSuffix())
	if err := l.cache.AddToSortedSet(ctx, key, scoreOf(now), member); err != nil {
		return l.degraded(cfg, identifier, err), nil
	}

	// Idle identifiers self-expire after one window
	if err := l.cache.SetExpiry(ctx, key, cfg.Window); err != nil {
		l.logger.Warn("Failed to refresh rate limit key expiry", "identifier", identifier, "error", err)
	}

	return Result{Allowed: true, Remaining: cfg.MaxRequests - int(count) - 1}, nil
}

// UpdateConfig swaps the window settings at runtime (config hot reload)
func (l *SlidingWindowLimiter) UpdateConfig(config Config) {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ratelimit"
	}
	if config.OnCacheError == "" {
		config.OnCacheError = PolicyAllow
	}

	l.mu.Lock()
	l.config = config
	l.mu.Unlock()

	l.logger.Info("Rate limit configuration updated",
		"window", config.Window,
		"maxRequests", config.MaxRequests,
		"onCacheError", config.OnCacheError,
	)
}

// Config returns the current limiter configuration
func (l *SlidingWindowLimiter) Config() Config {
	return l.snapshot()
}

// retryAfter derives the wait from the oldest surviving entry: once it
// ages out of the window, one slot frees up.
func (l *SlidingWindowLimiter) retryAfter(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	oldest, err := l.cache.RangeSortedSetWithScores(ctx, key, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(oldest) == 0 {
		return 1, nil
	}

	oldestMs := oldest[0].Score
	waitMs := oldestMs + float64(window.Milliseconds()) - float64(now.UnixMilli())
	seconds := int(math.Ceil(waitMs / 1000.0))
	if seconds < 1 {
		seconds = 1
	}
	return seconds, nil
}

// degraded applies the OnCacheError policy after a cache failure
func (l *SlidingWindowLimiter) degraded(cfg Config, identifier string, err error) Result {
	l.logger.Warn("Rate limit check degraded by cache failure",
		"identifier", identifier,
		"policy", cfg.OnCacheError,
		"error", err,
	)

	if cfg.OnCacheError == PolicyDeny {
		return Result{Allowed: false, Remaining: 0, RetryAfter: 1}
	}
	return Result{Allowed: true, Remaining: 0, FailedOpen: true}
}

func (l *SlidingWindowLimiter) snapshot() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// scoreOf is the sorted-set score for a point in time: milliseconds
// with microsecond precision, so near-simultaneous requests still order.
func scoreOf(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1000.0
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
