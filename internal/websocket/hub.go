package websocket

import "sync"

// Hub is this replica's local registry of live sockets, keyed by username.
// It answers exactly one question: "does this replica currently hold a
// connection for user X, and if so, what is it" — the piece of C8's state
// that cannot live in the KV because it is a live goroutine/channel, not
// data.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register installs client as the live connection for its username,
// evicting and closing whatever was there before it (normally nothing,
// since the store layer already destroyed any prior session before a new
// login reaches here — this is the local-replica mirror of that rule).
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	prior := h.clients[c.Username]
	h.clients[c.Username] = c
	h.mu.Unlock()

	if prior != nil && prior != c {
		prior.Close(CloseServiceRestart, "superseded by new connection")
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.Username]; ok && current == c {
		delete(h.clients, c.Username)
	}
}

// Get returns the locally-registered client for username, if any.
func (h *Hub) Get(username string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[username]
	return c, ok
}

// ForceClose closes and evicts username's local connection, if this
// replica holds one. Used for cross-replica logout/inactive-cleanup
// events and for closes the user store triggers on this replica.
func (h *Hub) ForceClose(username string, code int, reason string) bool {
	h.mu.RLock()
	c, ok := h.clients[username]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.Close(code, reason)
	return true
}

// All returns a snapshot of every locally-registered client, for metrics
// and graceful drain.
func (h *Hub) All() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of locally-registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
