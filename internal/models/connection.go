package models

import "time"

// Connection is the directory entry locating a user's current replica and
// session. It exists only while the user has any activity, and the replica
// identifier is overwritten on every activity update so that a reconnect to
// a different replica converges within one activity cycle.
type Connection struct {
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	GatewayID   string    `json:"gateway_id"`
	WSConnected bool      `json:"ws_connected"`
	LastSeen    time.Time `json:"last_seen"`
	ConnectedAt time.Time `json:"connected_at"`
}
