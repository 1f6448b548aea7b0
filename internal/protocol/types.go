package protocol

import "encoding/json"

// Message types on the host event bus.
const (
	TypeConnected          = "connected"
	TypeInfo               = "info"
	TypeSuspendEvent       = "suspend_event"
	TypeSuspendEventResult = "suspend_event_result"
	TypePowerTransition    = "power_transition"
	TypeInputState         = "input_state"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeError              = "error"
)

// Request is a message from the host to the agent.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a message from the agent to the host.
type Response struct {
	ID      string      `json:"id,omitempty"`
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Payload interface{} `json:"payload,omitempty"`
}

// ConnectedPayload is the first message the host sends.
type ConnectedPayload struct {
	AgentID string `json:"agent_id"`
}

// InfoPayload is sent by the agent once the handshake completes.
type InfoPayload struct {
	SessionID string   `json:"session_id"`
	OS        string   `json:"os"`
	Handlers  []string `json:"handlers"`
}

// SuspendEventPayload carries a suspend query or notification.
type SuspendEventPayload struct {
	Kind    string `json:"kind"` // query, start or cancelled
	EventID uint32 `json:"event_id"`
}

// SuspendVerdictPayload answers a suspend_event.
type SuspendVerdictPayload struct {
	Verdict string `json:"verdict"` // allow or deny
}

// PowerTransitionPayload reports the power switch being pressed or
// released.
type PowerTransitionPayload struct {
	Pressed bool `json:"pressed"`
}

// InputStatePayload is a controller snapshot. Buttons is a bitmask of
// host.Signal values.
type InputStatePayload struct {
	Buttons uint32 `json:"buttons"`
}

// ErrorPayload for error responses.
type ErrorPayload struct {
	Error string `json:"error"`
}
