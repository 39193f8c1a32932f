// Package api serves the read-side HTTP surface: per-form metric
// snapshots, exports with the completion audit trail, and the health
// and scrape endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"formpulse/internal/analytics"
	"formpulse/internal/cache"
	"formpulse/pkg/errors"
	"formpulse/pkg/metrics"
)

// Handler holds the dependencies of the HTTP endpoints
type Handler struct {
	hub     *analytics.Hub
	store   *analytics.Store
	cache   cache.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler creates the API handler set
func NewHandler(hub *analytics.Hub, store *analytics.Store, client cache.Client, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		store:  store,
		cache:  client,
		logger: logger,
	}
}

// WithMetrics sets the metrics for the handlers
func (h *Handler) WithMetrics(m *metrics.Metrics) *Handler {
	h.metrics = m
	return h
}

// metricsResponse is the snapshot payload for one form
type metricsResponse struct {
	FormType    string                `json:"formType"`
	Metrics     analytics.FormMetrics `json:"metrics"`
	ActiveUsers int                   `json:"activeUsers"`
}

// exportResponse adds the completion audit trail to the snapshot
type exportResponse struct {
	FormType          string                `json:"formType"`
	Metrics           analytics.FormMetrics `json:"metrics"`
	CompletionTimesMs []int64               `json:"completionTimesMs"`
	ExportedAt        time.Time             `json:"exportedAt"`
}

// FormMetrics handles GET /api/forms/{formType}/metrics
func (h *Handler) FormMetrics(w http.ResponseWriter, r *http.Request) {
	formType := r.PathValue("formType")
	if formType == "" {
		h.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "formType is required"))
		return
	}

	snapshot, err := h.hub.Snapshot(r.Context(), formType)
	if err != nil {
		h.logger.Error("Failed to read form snapshot", "formType", formType, "error", err)
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, metricsResponse{
		FormType:    formType,
		Metrics:     snapshot,
		ActiveUsers: h.hub.Occupancy(formType),
	})
}

// Export handles GET /api/forms/{formType}/export. The route is
// mounted behind the rate-limit middleware; reading the audit trail is
// the one unbounded-cost read in the API.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	formType := r.PathValue("formType")
	if formType == "" {
		h.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "formType is required"))
		return
	}

	snapshot, err := h.store.Snapshot(r.Context(), formType)
	if err != nil {
		h.logger.Error("Failed to read form snapshot", "formType", formType, "error", err)
		h.writeError(w, err)
		return
	}

	times, err := h.store.CompletionTimes(r.Context(), formType)
	if err != nil {
		h.logger.Error("Failed to read completion audit trail", "formType", formType, "error", err)
		h.writeError(w, err)
		return
	}
	if times == nil {
		times = []int64{}
	}

	h.writeJSON(w, http.StatusOK, exportResponse{
		FormType:          formType,
		Metrics:           snapshot,
		CompletionTimesMs: times,
		ExportedAt:        time.Now().UTC(),
	})
}

// Healthz handles the liveness probe
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// Readyz handles the readiness probe; ready means the cache answers
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.cache.Ping(ctx); err != nil {
		h.logger.Warn("Readiness check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":     false,
			"timestamp": time.Now().UTC(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"ready":     true,
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var e *errors.Error
	if errors.As(err, &e) {
		status = e.HTTPStatusCode()
		message = e.Message
	}

	h.writeJSON(w, status, map[string]any{"error": message})
}
