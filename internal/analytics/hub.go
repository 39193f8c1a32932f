package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"formpulse/pkg/metrics"
)

// Hub tracks which observers watch which form and rebroadcasts the
// server-computed snapshot after every mutating event and every
// membership change. Observers never receive client-local deltas; the
// read-after-write snapshot is what keeps concurrent writers converged.
type Hub struct {
	store   *Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu    sync.RWMutex
	rooms map[string]map[string]Observer
}

// NewHub creates a hub over the given metrics store
func NewHub(store *Store, logger *slog.Logger) *Hub {
	return &Hub{
		store:  store,
		logger: logger.With("component", "analytics-hub"),
		tracer: noop.NewTracerProvider().Tracer("analytics"),
		rooms:  make(map[string]map[string]Observer),
	}
}

// WithMetrics attaches prometheus instrumentation
func (h *Hub) WithMetrics(m *metrics.Metrics) *Hub {
	h.metrics = m
	return h
}

// WithTracer attaches a tracer for event-handling spans
func (h *Hub) WithTracer(tracer trace.Tracer) *Hub {
	if tracer != nil {
		h.tracer = tracer
	}
	return h
}

// Join adds an observer to a form's room. Joining twice with the same
// identity is idempotent. Every membership change triggers a broadcast
// so all members see the new active-observer count.
func (h *Hub) Join(ctx context.Context, formType string, obs Observer) {
	h.mu.Lock()
	room, ok := h.rooms[formType]
	if !ok {
		room = make(map[string]Observer)
		h.rooms[formType] = room
	}
	if _, present := room[obs.ID()]; present {
		h.mu.Unlock()
		return
	}
	room[obs.ID()] = obs
	occupancy := len(room)
	h.mu.Unlock()

	h.setOccupancy(formType, occupancy)
	h.logger.Debug("Observer joined room", "formType", formType, "observer", obs.ID(), "occupancy", occupancy)
	h.broadcast(ctx, formType)
}

// Leave removes an observer from a form's room. Leaving a room the
// observer never joined is a no-op.
func (h *Hub) Leave(ctx context.Context, formType string, obs Observer) {
	h.mu.Lock()
	room, ok := h.rooms[formType]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := room[obs.ID()]; !present {
		h.mu.Unlock()
		return
	}
	delete(room, obs.ID())
	occupancy := len(room)
	if occupancy == 0 {
		delete(h.rooms, formType)
	}
	h.mu.Unlock()

	h.setOccupancy(formType, occupancy)
	h.logger.Debug("Observer left room", "formType", formType, "observer", obs.ID(), "occupancy", occupancy)
	h.broadcast(ctx, formType)
}

// LeaveAll removes the observer from every room it joined. This is the
// one side-effect guaranteed to fire when a connection drops.
func (h *Hub) LeaveAll(ctx context.Context, obs Observer) {
	h.mu.Lock()
	var affected []string
	for formType, room := range h.rooms {
		if _, present := room[obs.ID()]; !present {
			continue
		}
		delete(room, obs.ID())
		if len(room) == 0 {
			delete(h.rooms, formType)
		}
		affected = append(affected, formType)
	}
	occupancies := make(map[string]int, len(affected))
	for _, formType := range affected {
		occupancies[formType] = len(h.rooms[formType])
	}
	h.mu.Unlock()

	for _, formType := range affected {
		h.setOccupancy(formType, occupancies[formType])
		h.broadcast(ctx, formType)
	}
}

// Occupancy returns the number of live observers in a form's room
func (h *Hub) Occupancy(formType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[formType])
}

// HandleEvent validates and records one analytics event, then
// broadcasts the recomputed snapshot to the form's room. Malformed
// events are rejected before any counter moves; cache failures drop the
// event without surfacing an error, so one missed update never costs a
// connection.
func (h *Hub) HandleEvent(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	ctx, span := h.startSpan(ctx, event)
	defer span.End()

	var err error
	switch event.Type {
	case EventView:
		err = h.store.RecordView(ctx, event.FormType)
	case EventStart:
		err = h.store.RecordStart(ctx, event.FormType)
	case EventCompletion:
		err = h.store.RecordCompletion(ctx, event.FormType, event.CompletionTimeMs)
	case EventFieldInteraction:
		err = h.store.RecordFieldInteraction(ctx, event.FormType, event.FieldName, event.IsValid)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		h.logger.Error("Dropping analytics event, cache rejected the write",
			"event", string(event.Type),
			"formType", event.FormType,
			"error", err,
		)
		if h.metrics != nil {
			h.metrics.EventsDropped.WithLabelValues("cache_error").Inc()
		}
		return nil
	}

	if h.metrics != nil {
		h.metrics.EventsProcessed.WithLabelValues(string(event.Type)).Inc()
	}

	h.broadcast(ctx, event.FormType)
	return nil
}

// Snapshot returns the current metrics for a form type
func (h *Hub) Snapshot(ctx context.Context, formType string) (FormMetrics, error) {
	return h.store.Snapshot(ctx, formType)
}

// broadcast recomputes the full snapshot and delivers it to every
// member of the form's room.
func (h *Hub) broadcast(ctx context.Context, formType string) {
	h.mu.RLock()
	room := h.rooms[formType]
	members := make([]Observer, 0, len(room))
	for _, obs := range room {
		members = append(members, obs)
	}
	h.mu.RUnlock()

	activeUsers := len(members)
	if activeUsers == 0 {
		return
	}

	start := time.Now()
	snapshot, err := h.store.Snapshot(ctx, formType)
	if err != nil {
		h.logger.Error("Skipping broadcast, snapshot read failed", "formType", formType, "error", err)
		if h.metrics != nil {
			h.metrics.EventsDropped.WithLabelValues("snapshot_error").Inc()
		}
		return
	}

	update := Update{
		FormType:    formType,
		Metrics:     snapshot,
		ActiveUsers: activeUsers,
	}
	for _, obs := range members {
		obs.Deliver(update)
	}

	if h.metrics != nil {
		h.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
}

func (h *Hub) setOccupancy(formType string, occupancy int) {
	if h.metrics != nil {
		h.metrics.RoomOccupancy.WithLabelValues(formType).Set(float64(occupancy))
	}
}

func (h *Hub) startSpan(ctx context.Context, event Event) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, "analytics.event",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("analytics.event", string(event.Type)),
			attribute.String("analytics.form_type", event.FormType),
		),
	)
}
