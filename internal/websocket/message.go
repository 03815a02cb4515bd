package websocket

import "encoding/json"

// Message is the envelope inbound frames are decoded into. Type names a
// registered handler (or one of the built-ins below); Data is that
// handler's payload. Outbound frames are flat objects built by encode.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Built-in message types the engine handles itself, before any lookup in
// the route registry.
const (
	TypeConnected    = "connected"       // sent on accept
	TypeError        = "error"           // sent on any failure
	TypeUpdateAPIKey = "update_api_key"  // built-in: persists session.data.api_key
	TypeAck          = "ack"             // built-in response to update_api_key
	TypeReconnect    = "reconnect"       // sent before a forced close during drain
)

// HelloPayload is a minimal payload for a TypeConnected frame. The welcome
// frame HandleConnection sends on accept is built from its own map instead.
type HelloPayload struct {
	SessionID    string `json:"session_id"`
	PingInterval int    `json:"ping_interval_ms"`
}

// ErrorPayload is sent on any failure the client should see.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UpdateAPIKeyPayload is the built-in update_api_key request body.
type UpdateAPIKeyPayload struct {
	APIKey string `json:"api_key"`
}

// ReconnectPayload accompanies TypeReconnect.
type ReconnectPayload struct {
	Reason string `json:"reason"`
}

// encode renders a server→client frame as a single flat JSON object with
// "type" alongside payload's own fields, matching spec.md §6's envelope
// (no nested "data" wrapper on the wire — Message.Data is only used for
// decoding inbound frames, where the payload shape varies by handler).
func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	typeRaw, err := json.Marshal(msgType)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeRaw
	return json.Marshal(fields)
}
