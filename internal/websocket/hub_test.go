package websocket

import (
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/require"

	"gateway/internal/models"
)

func newBareClient(username string, hub *Hub) *Client {
	return &Client{
		hub:       hub,
		Username:  username,
		Role:      models.RoleUser,
		SessionID: "sess-" + username,
		send:      make(chan []byte, 4),
		closed:    make(chan struct{}),

		lastActivity: time.Now(),
		lastPong:     time.Now(),
	}
}

func TestHub_RegisterAndGet(t *testing.T) {
	hub := NewHub()
	c := newBareClient("alice", hub)

	hub.Register(c)

	got, ok := hub.Get("alice")
	require.True(t, ok)
	require.Same(t, c, got)
	require.Equal(t, 1, hub.Count())
}

func TestHub_GetUnknown(t *testing.T) {
	hub := NewHub()
	_, ok := hub.Get("nobody")
	require.False(t, ok)
}

func TestHub_ForceClose_UnknownReturnsFalse(t *testing.T) {
	hub := NewHub()
	require.False(t, hub.ForceClose("nobody", websocket.CloseNormalClosure, "bye"))
}

func TestHub_All(t *testing.T) {
	hub := NewHub()
	hub.Register(newBareClient("alice", hub))
	hub.Register(newBareClient("bob", hub))

	all := hub.All()
	require.Len(t, all, 2)
}

func TestHub_Unregister(t *testing.T) {
	hub := NewHub()
	c := newBareClient("alice", hub)
	hub.Register(c)
	require.Equal(t, 1, hub.Count())

	hub.unregister(c)
	require.Equal(t, 0, hub.Count())

	_, ok := hub.Get("alice")
	require.False(t, ok)
}
