package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"gateway/internal/models"
)

const (
	writeWait = 10 * time.Second
	// readDeadlineSlack bounds how long a socket with no app-level activity
	// is allowed to sit idle at the transport level. The inactivity monitor
	// enforces spec.md's INACTIVITY_TIMEOUT on top of this; this deadline
	// only guards against a half-open TCP connection nobody ever notices.
	readDeadlineSlack = 5 * time.Minute
	maxMessageSize     = 65536
)

// Client is one accepted, authenticated socket. At most one Client per
// username is ever registered on a given Hub — a second login evicts the
// first, per the single-active-session invariant. Liveness here is
// application-level JSON ping/pong (spec.md §4.8), not the WS protocol's
// control-frame ping/pong, so last-activity and last-pong are tracked
// independently by the engine's handleFrame, not by a pong handler.
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	Username  string
	Role      models.Role
	SessionID string

	send chan []byte

	lastActivity time.Time
	lastPong     time.Time
	activityMu   sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn, hub *Hub, username string, role models.Role, sessionID string) *Client {
	now := time.Now()
	return &Client{
		conn:         conn,
		hub:          hub,
		Username:     username,
		Role:         role,
		SessionID:    sessionID,
		send:         make(chan []byte, 64),
		lastActivity: now,
		lastPong:     now,
		closed:       make(chan struct{}),
	}
}

// Touch records activity for the inactivity monitor.
func (c *Client) Touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

// IdleFor reports how long it has been since the last inbound frame.
func (c *Client) IdleFor() time.Duration {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return time.Since(c.lastActivity)
}

// NotePong records receipt of an application-level pong frame.
func (c *Client) NotePong() {
	c.activityMu.Lock()
	c.lastPong = time.Now()
	c.activityMu.Unlock()
}

// IdleSincePong reports how long it has been since the last pong, for the
// ping loop's PONG_TIMEOUT check.
func (c *Client) IdleSincePong() time.Duration {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return time.Since(c.lastPong)
}

// Send enqueues an outbound message. If the client's buffer is full the
// connection is considered stuck and closed rather than let the writer
// block.
func (c *Client) Send(msgType string, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.Close(websocket.CloseMessageTooBig, "send buffer full")
	}
}

// Close is idempotent: concurrent callers (readPump's own defer, the
// inactivity monitor, a cross-replica force-close) all converge on the
// same teardown exactly once.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		payload := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(writeWait))
		close(c.closed)
		close(c.send)
		_ = c.conn.Close()
		c.hub.unregister(c)
	})
}

// readPump pumps inbound frames to handler until the socket errors or
// closes. dispatch is supplied by the engine so this file stays free of
// registry/auth concerns.
func (c *Client) readPump(dispatch func(*Client, Message)) {
	defer c.Close(websocket.CloseNormalClosure, "read loop exited")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadlineSlack))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.conn.SetReadDeadline(time.Now().Add(readDeadlineSlack))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(TypeError, ErrorPayload{Code: "bad_request", Message: "Invalid JSON"})
			continue
		}

		dispatch(c, msg)
	}
}

// writePump owns the connection's write side. Only one goroutine may write
// data frames to a *websocket.Conn, which is why every outbound data path —
// including the engine's ping frames — goes through c.send rather than
// calling conn.WriteMessage directly. Close sends its close frame with
// WriteControl, which the websocket library allows from any goroutine.
func (c *Client) writePump() {
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}
