// Package pubsub is the cross-replica half of C1: a thin wrapper over Redis
// pub/sub that turns a global singleton event bus into an explicit
// dependency any component is constructed with, and turns duck-typed event
// payloads into a tagged sum type (per the design notes).
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType tags the payload carried by an Event. Subscribers pattern-match
// on this instead of relying on field presence, per the design note that
// duck-typed payloads become a tagged sum type.
type EventType string

const (
	EventUserRegistered      EventType = "user.register"
	EventUserDeleted         EventType = "user.delete"
	EventUserInactiveCleanup EventType = "user.inactive_cleanup"
	EventSessionNew          EventType = "session.new"
	EventSessionUpdate       EventType = "session.update"
	EventSessionLogout       EventType = "session.logout"
	EventConnectionWS        EventType = "connection.ws"
	EventConnectionHTTP      EventType = "connection.http"
	EventConnectionRemoved   EventType = "connection.removed"
	EventAccountDeleted      EventType = "account.deleted"
)

// Event is the single envelope published on every channel. OriginNode lets
// subscribers suppress their own echoes: the replica that publishes an
// event already performed the local-side effect, so it must not re-trigger
// on its own broadcast.
type Event struct {
	Type       EventType       `json:"type"`
	UserID     string          `json:"user_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	OriginNode string          `json:"origin_node"`
	Timestamp  time.Time       `json:"timestamp"`
}

// LogoutData is carried by EventSessionLogout.
type LogoutData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"` // "new_login" | "logout"
}

// Handler receives events delivered on a channel this node subscribes to.
// Events whose OriginNode is this node are dropped before handlers run.
type Handler func(Event)

// Bus is the cross-replica pub/sub bus.
type Bus struct {
	client *redis.Client
	prefix string
	nodeID string

	handlers   []Handler
	handlerMux sync.RWMutex

	subs   map[string]*redis.PubSub
	subMux sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Bus over its own Redis connection (pub/sub connections must
// not be shared with a command-issuing client). nodeID identifies this
// replica for self-echo suppression.
func New(redisURL, nodeID string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	busCtx, busCancel := context.WithCancel(context.Background())
	return &Bus{
		client: client,
		prefix: "gateway:pubsub:",
		nodeID: nodeID,
		subs:   make(map[string]*redis.PubSub),
		ctx:    busCtx,
		cancel: busCancel,
	}, nil
}

// NodeID returns this bus's replica identifier.
func (b *Bus) NodeID() string { return b.nodeID }

// OnMessage registers a handler invoked for every event this node receives.
func (b *Bus) OnMessage(h Handler) {
	b.handlerMux.Lock()
	defer b.handlerMux.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) channel(eventType EventType, userID string) string {
	return fmt.Sprintf("%s%s:%s", b.prefix, eventType, userID)
}

// Publish stamps OriginNode/Timestamp and publishes to the channel scoped
// to (eventType, userID).
func (b *Bus) Publish(ctx context.Context, eventType EventType, userID string, data interface{}) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		raw = encoded
	}

	evt := Event{
		Type:       eventType,
		UserID:     userID,
		Data:       raw,
		OriginNode: b.nodeID,
		Timestamp:  time.Now(),
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return b.client.Publish(ctx, b.channel(eventType, userID), payload).Err()
}

// SubscribePattern subscribes to every (eventType, *) channel cluster-wide,
// e.g. every session.logout event regardless of which user it names.
func (b *Bus) SubscribePattern(eventType EventType) error {
	pattern := fmt.Sprintf("%s%s:*", b.prefix, eventType)

	b.subMux.Lock()
	if _, exists := b.subs[pattern]; exists {
		b.subMux.Unlock()
		return nil
	}
	b.subMux.Unlock()

	sub := b.client.PSubscribe(b.ctx, pattern)
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe to %s: %w", pattern, err)
	}

	b.subMux.Lock()
	b.subs[pattern] = sub
	b.subMux.Unlock()

	b.wg.Add(1)
	go b.listen(sub)
	return nil
}

func (b *Bus) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	ch := sub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg)
		}
	}
}

func (b *Bus) handleMessage(msg *redis.Message) {
	var evt Event
	if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
		log.Printf("[pubsub] malformed event on %s: %v", msg.Channel, err)
		return
	}

	if evt.OriginNode == b.nodeID {
		return
	}

	b.handlerMux.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.handlerMux.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

// Close cancels subscriptions and waits (bounded at 5s) for listeners to
// drain before closing the underlying connection.
func (b *Bus) Close() error {
	b.cancel()

	b.subMux.Lock()
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = make(map[string]*redis.PubSub)
	b.subMux.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("[pubsub] shutdown timed out waiting for listeners")
	}

	return b.client.Close()
}

// Stats reports current subscription counts.
func (b *Bus) Stats() map[string]interface{} {
	b.subMux.RLock()
	defer b.subMux.RUnlock()

	channels := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		channels = append(channels, ch)
	}
	return map[string]interface{}{
		"node_id":            b.nodeID,
		"subscription_count": len(b.subs),
		"channels":           channels,
	}
}
