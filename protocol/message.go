package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is anything a worker posts back to the manager: a correlated
// response, an internal lifecycle message or an event envelope.
type Message struct {
	Type      RequestType     `json:"type,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IsEvent reports whether the message is an uncorrelated event envelope.
func (m *Message) IsEvent() bool {
	return m.Type == TypeEvent
}

// Event decodes the envelope payload of an event message.
func (m *Message) Event() (Event, error) {
	var e Event
	if !m.IsEvent() {
		return e, fmt.Errorf("message type %q is not an event", m.Type)
	}
	err := json.Unmarshal(m.Data, &e)
	return e, err
}

// Event is the payload of an event envelope.
type Event struct {
	Type          EventType       `json:"type"`
	Ctx           json.RawMessage `json:"ctx,omitempty"`
	AdditionalCtx json.RawMessage `json:"additionalCtx,omitempty"`
}

// Decode unmarshals the event context into v.
func (e Event) Decode(v any) error {
	if len(e.Ctx) == 0 {
		return fmt.Errorf("event %s has no context", e.Type)
	}
	return json.Unmarshal(e.Ctx, v)
}

// NewEvent builds an event, encoding ctx and the optional additional context.
func NewEvent(t EventType, ctx any, additional any) (Event, error) {
	e := Event{Type: t}
	if ctx != nil {
		data, err := json.Marshal(ctx)
		if err != nil {
			return e, fmt.Errorf("encode %s context: %w", t, err)
		}
		e.Ctx = data
	}
	if additional != nil {
		data, err := json.Marshal(additional)
		if err != nil {
			return e, fmt.Errorf("encode %s additional context: %w", t, err)
		}
		e.AdditionalCtx = data
	}
	return e, nil
}

// Success builds a successful response for requestID.
func Success(requestID string, data any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		return Failure(requestID, fmt.Errorf("encode response: %w", err))
	}
	return Message{RequestID: requestID, Success: true, Data: raw}
}

// Failure builds a failed response for requestID.
func Failure(requestID string, err error) Message {
	return Message{RequestID: requestID, Success: false, Error: err.Error()}
}

// EventMessage wraps an event in its envelope.
func EventMessage(e Event) (Message, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeEvent, Success: true, Data: raw}, nil
}

// Encode serialises a value for crossing the worker boundary. Nothing but
// bytes ever crosses, so neither side can hold a reference into the other.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeRequest parses bytes received by a worker.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	err := json.Unmarshal(data, &r)
	return r, err
}

// DecodeMessage parses bytes received by the manager.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
