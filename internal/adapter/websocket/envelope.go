package websocket

import (
	"encoding/json"

	"formpulse/internal/analytics"
	"formpulse/pkg/errors"
)

// Message types carried in the envelope
const (
	// inbound
	MsgJoinForm         = "join_form"
	MsgLeaveForm        = "leave_form"
	MsgFormView         = "form_view"
	MsgFormStart        = "form_start"
	MsgFormCompletion   = "form_completion"
	MsgFieldInteraction = "field_interaction"

	// outbound
	MsgAnalyticsUpdate = "analytics_update"
	MsgError           = "error"
)

// Envelope is the wire frame for every observer message
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// formPayload carries messages that only name a form
type formPayload struct {
	FormType string `json:"formType"`
}

// completionPayload carries a form_completion event. FormData is
// accepted and ignored beyond decoding; clients send it for their own
// funnel dashboards.
type completionPayload struct {
	FormType       string    `json:"formType"`
	CompletionTime int64     `json:"completionTime"`
	FormData       *formData `json:"formData,omitempty"`
}

type formData struct {
	FieldCount   int `json:"fieldCount"`
	FilledFields int `json:"filledFields"`
}

// interactionPayload carries a field_interaction event
type interactionPayload struct {
	FormType  string `json:"formType"`
	FieldName string `json:"fieldName"`
	IsValid   bool   `json:"isValid"`
}

// errorPayload is sent back when an inbound message is rejected
type errorPayload struct {
	Error string `json:"error"`
}

// decodeEvent maps an inbound envelope onto an analytics event. The
// event still goes through analytics validation; this only handles the
// wire shape.
func decodeEvent(env Envelope) (analytics.Event, error) {
	switch env.Type {
	case MsgFormView, MsgFormStart:
		var p formPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return analytics.Event{}, malformed(env.Type, err)
		}
		t := analytics.EventView
		if env.Type == MsgFormStart {
			t = analytics.EventStart
		}
		return analytics.Event{Type: t, FormType: p.FormType}, nil

	case MsgFormCompletion:
		var p completionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return analytics.Event{}, malformed(env.Type, err)
		}
		return analytics.Event{
			Type:             analytics.EventCompletion,
			FormType:         p.FormType,
			CompletionTimeMs: p.CompletionTime,
		}, nil

	case MsgFieldInteraction:
		var p interactionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return analytics.Event{}, malformed(env.Type, err)
		}
		return analytics.Event{
			Type:      analytics.EventFieldInteraction,
			FormType:  p.FormType,
			FieldName: p.FieldName,
			IsValid:   p.IsValid,
		}, nil

	default:
		return analytics.Event{}, errors.NewError(errors.ErrorTypeBadRequest, "unknown message type").
			WithDetail("type", env.Type)
	}
}

func malformed(msgType string, cause error) error {
	return errors.NewError(errors.ErrorTypeBadRequest, "malformed message payload").
		WithDetail("type", msgType).
		WithCause(cause)
}

// encodeUpdate frames a snapshot broadcast for the wire
func encodeUpdate(update analytics.Update) ([]byte, error) {
	data, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: MsgAnalyticsUpdate, Data: data})
}

// encodeError frames a rejection for the wire
func encodeError(msg string) ([]byte, error) {
	data, err := json.Marshal(errorPayload{Error: msg})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: MsgError, Data: data})
}
