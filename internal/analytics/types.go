// Package analytics aggregates per-form usage metrics in the shared
// cache and pushes recomputed snapshots to every observer watching a
// form. Counters live in the cache so all replicas converge on the same
// numbers; only room membership is process-local.
package analytics

import (
	"formpulse/pkg/errors"
)

// FormMetrics is the aggregate snapshot for one form type. Absent
// counters read as zero; the snapshot always exists even for forms that
// never saw an event.
type FormMetrics struct {
	Views                   int64            `json:"views"`
	Starts                  int64            `json:"starts"`
	Completed               int64            `json:"completed"`
	AverageCompletionTimeMs float64          `json:"averageCompletionTimeMs"`
	FieldInteractions       map[string]int64 `json:"fieldInteractions"`
	FieldErrors             map[string]int64 `json:"fieldErrors"`
}

// EventType names a mutating analytics event
type EventType string

const (
	EventView             EventType = "form_view"
	EventStart            EventType = "form_start"
	EventCompletion       EventType = "form_completion"
	EventFieldInteraction EventType = "field_interaction"
)

// Event is one inbound analytics event, already decoded from the wire
type Event struct {
	Type     EventType
	FormType string

	// CompletionTimeMs is set for EventCompletion
	CompletionTimeMs int64

	// FieldName and IsValid are set for EventFieldInteraction
	FieldName string
	IsValid   bool
}

// Validate rejects malformed events at the boundary, before any
// counter is touched.
func (e Event) Validate() error {
	if e.FormType == "" {
		return errors.NewError(errors.ErrorTypeBadRequest, "event is missing formType").
			WithDetail("event", string(e.Type))
	}

	switch e.Type {
	case EventView, EventStart:
	case EventCompletion:
		if e.CompletionTimeMs < 0 {
			return errors.NewError(errors.ErrorTypeBadRequest, "completion time must be non-negative").
				WithDetail("completionTime", e.CompletionTimeMs)
		}
	case EventFieldInteraction:
		if e.FieldName == "" {
			return errors.NewError(errors.ErrorTypeBadRequest, "field interaction is missing fieldName")
		}
	default:
		return errors.NewError(errors.ErrorTypeBadRequest, "unknown event type").
			WithDetail("event", string(e.Type))
	}

	return nil
}

// Update is the outbound snapshot delivered to room members
type Update struct {
	FormType    string      `json:"formType"`
	Metrics     FormMetrics `json:"metrics"`
	ActiveUsers int         `json:"activeUsers"`
}

// Observer is one connected dashboard session. Deliver must not block:
// transports buffer internally and shed slow consumers themselves.
type Observer interface {
	// ID identifies the connection; joining a room twice with the same
	// ID is idempotent.
	ID() string
	// Deliver pushes a recomputed snapshot to the observer
	Deliver(update Update)
}
