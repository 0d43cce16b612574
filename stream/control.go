package stream

import (
	"encoding/json"
	"errors"
	"time"
)

// ControlMessage is an inbound message on a connection.
type ControlMessage struct {
	Type           string  `json:"type"`
	Channel        string  `json:"channel,omitempty"`
	SubscriptionID string  `json:"subscriptionId,omitempty"`
	Options        Options `json:"options,omitempty"`
}

// HandleMessage parses and executes a control message from a connection and
// returns the reply. Malformed input produces an error reply, never a panic.
func (m *Multiplexer) HandleMessage(connID string, raw []byte) Message {
	var cm ControlMessage
	if err := json.Unmarshal(raw, &cm); err != nil {
		return reply("error", "", &ErrorBody{Code: "parse_error", Message: err.Error()})
	}

	switch cm.Type {
	case "subscribe":
		id, err := m.Subscribe(connID, cm.Channel, cm.Options, nil)
		if err != nil {
			return reply("error", cm.Channel, &ErrorBody{Code: subscribeCode(err), Message: err.Error()})
		}
		msg := reply("subscribed", cm.Channel, nil)
		msg.SubscriptionID = id
		return msg

	case "unsubscribe":
		if cm.SubscriptionID == "" {
			return reply("error", "", &ErrorBody{Code: "invalid_message", Message: "subscriptionId is required"})
		}
		ok := m.Unsubscribe(cm.SubscriptionID)
		msg := reply("unsubscribed", "", nil)
		msg.SubscriptionID = cm.SubscriptionID
		msg.Success = &ok
		return msg

	case "ping":
		return reply("pong", "", nil)

	case "":
		return reply("error", "", &ErrorBody{Code: "invalid_message", Message: "message type is required"})
	}
	return reply("error", "", &ErrorBody{Code: "unknown_type", Message: "unknown message type " + cm.Type})
}

func subscribeCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, ErrMissingParam):
		return "missing_param"
	case errors.Is(err, ErrUnknownConnection):
		return "unknown_connection"
	}
	return "subscribe_failed"
}

func reply(typ, channel string, body *ErrorBody) Message {
	return Message{Type: typ, Channel: channel, Error: body, Timestamp: time.Now().UnixMilli()}
}
