package api

import (
	"net/http"
	"strconv"
	"time"
)

// Routes mounts the API endpoints on the mux. The export route goes
// through rateLimit; pass an identity function to disable limiting.
func (h *Handler) Routes(mux *http.ServeMux, rateLimit func(http.Handler) http.Handler) {
	if rateLimit == nil {
		rateLimit = func(next http.Handler) http.Handler { return next }
	}

	mux.Handle("GET /api/forms/{formType}/metrics",
		h.instrument("/api/forms/:formType/metrics", http.HandlerFunc(h.FormMetrics)))
	mux.Handle("GET /api/forms/{formType}/export",
		h.instrument("/api/forms/:formType/export", rateLimit(http.HandlerFunc(h.Export))))
	mux.Handle("GET /healthz", http.HandlerFunc(h.Healthz))
	mux.Handle("GET /readyz", http.HandlerFunc(h.Readyz))

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

// responseWriter captures the status code for instrumentation
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency under a normalized path
// label so per-form cardinality stays bounded.
func (h *Handler) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.statusCode)
		h.metrics.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		h.metrics.RequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}
