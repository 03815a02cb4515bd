package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, addr, nodeID string) *Bus {
	t.Helper()
	b, err := New("redis://"+addr, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBus_PublishAndReceiveAcrossNodes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	publisher := newTestBus(t, mr.Addr(), "gw-1")
	subscriber := newTestBus(t, mr.Addr(), "gw-2")

	received := make(chan Event, 1)
	subscriber.OnMessage(func(evt Event) { received <- evt })

	require.NoError(t, subscriber.SubscribePattern(EventSessionLogout))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, publisher.Publish(context.Background(), EventSessionLogout, "alice", LogoutData{
		SessionID: "sess-1",
		Reason:    "logout",
	}))

	select {
	case evt := <-received:
		require.Equal(t, EventSessionLogout, evt.Type)
		require.Equal(t, "alice", evt.UserID)
		require.Equal(t, "gw-1", evt.OriginNode)

		var data LogoutData
		require.NoError(t, json.Unmarshal(evt.Data, &data))
		require.Equal(t, "sess-1", data.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-node event")
	}
}

// TestBus_SuppressesOwnPublications documents the self-echo filter in
// handleMessage: a node that publishes an event never sees it come back
// through its own OnMessage handlers, because the replica that published it
// already performed the local-side effect. internal/store.UserStore's
// LocalCloseFunc exists precisely to cover the force-close side effect this
// suppression would otherwise drop on the publishing replica itself.
func TestBus_SuppressesOwnPublications(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	bus := newTestBus(t, mr.Addr(), "gw-1")

	received := make(chan Event, 1)
	bus.OnMessage(func(evt Event) { received <- evt })

	require.NoError(t, bus.SubscribePattern(EventAccountDeleted))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), EventAccountDeleted, "bob", nil))

	select {
	case <-received:
		t.Fatal("bus should not deliver its own publication to its own handlers")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBus_SubscribePatternIsIdempotent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	bus := newTestBus(t, mr.Addr(), "gw-1")

	require.NoError(t, bus.SubscribePattern(EventSessionLogout))
	require.NoError(t, bus.SubscribePattern(EventSessionLogout))

	stats := bus.Stats()
	require.Equal(t, 1, stats["subscription_count"])
}

func TestBus_StatsReportsNodeID(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	bus := newTestBus(t, mr.Addr(), "gw-3")

	stats := bus.Stats()
	require.Equal(t, "gw-3", stats["node_id"])
	require.Equal(t, 0, stats["subscription_count"])
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("invalid://url", "gw-1")
	require.Error(t, err)
}
