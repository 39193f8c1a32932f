package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"formpulse/pkg/metrics"
)

// KeyFunc extracts the rate limit identifier from a request
type KeyFunc func(*http.Request) string

// ByClientIP keys requests on the caller's address, honoring the
// leftmost X-Forwarded-For entry when present.
func ByClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware guards bounded-cost handlers with the limiter. Denied
// requests get 429 with a Retry-After header; degraded-cache admissions
// pass through and are only counted.
func Middleware(limiter *SlidingWindowLimiter, keyFn KeyFunc, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ByClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)

			result, err := limiter.CheckLimit(r.Context(), key)
			if err != nil {
				// Only identifier extraction can fail; treat as a bad request
				logger.Warn("Rate limit check rejected request", "path", r.URL.Path, "error", err)
				http.Error(w, "invalid request", http.StatusBadRequest)
				return
			}

			if !result.Allowed {
				if m != nil {
					m.RateLimitRejected.Inc()
				}
				logger.Warn("Rate limit exceeded",
					"identifier", key,
					"path", r.URL.Path,
					"retryAfter", result.RetryAfter,
				)

				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":      "rate limit exceeded",
					"retryAfter": result.RetryAfter,
				})
				return
			}

			if m != nil {
				m.RateLimitAllowed.Inc()
				if result.FailedOpen {
					m.RateLimitFailOpen.Inc()
				}
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}
