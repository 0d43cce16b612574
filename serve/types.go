package serve

import (
	"encoding/json"
	"time"

	"github.com/everydev1618/fleet/protocol"
)

// BrokerEvent is an event published to SSE subscribers.
type BrokerEvent struct {
	Type       string          `json:"type"`
	ClientID   int64           `json:"client_id"`
	ClientName string          `json:"client_name"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// --- API Request/Response Types ---

// ClientRequest is the body of client create and update calls.
type ClientRequest struct {
	Name    string                 `json:"name"`
	Options protocol.ClientOptions `json:"options"`
}

// ClientCreatedResponse is returned after registration.
type ClientCreatedResponse struct {
	Success  bool  `json:"success"`
	ClientID int64 `json:"clientId"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
