package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gateway/internal/kv"
	"gateway/internal/models"
	"gateway/internal/pubsub"
)

func connectionKey(userID string) string { return "connections:" + userID }

// ConnectionConfig holds C5's tunables.
type ConnectionConfig struct {
	TTL                  time.Duration // connection record timeout, refreshed on every write
	UpdateThrottle       time.Duration // minimum spacing between last-seen writes, default 30s
	CacheCleanupInterval time.Duration // prunes the throttle map, default 300s
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		TTL:                  1 * time.Hour,
		UpdateThrottle:       30 * time.Second,
		CacheCleanupInterval: 300 * time.Second,
	}
}

// ConnectionTracker is C5: the single record of "what replica, if any, owns
// this user's live connection right now", merging what the original kept as
// two separate registries (a WS registry and an HTTP-session connection
// manager) into one, since both answer the same question for the same key.
type ConnectionTracker struct {
	kv      *kv.Store
	publish PublishFunc
	cfg     ConnectionConfig

	throttleMu sync.Mutex
	throttled  map[string]time.Time

	stopCh chan struct{}
}

func NewConnectionTracker(store *kv.Store, publish PublishFunc, cfg ConnectionConfig) *ConnectionTracker {
	return &ConnectionTracker{
		kv:        store,
		publish:   publish,
		cfg:       cfg,
		throttled: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Run starts the throttle-map janitor.
func (c *ConnectionTracker) Run(ctx context.Context) {
	go c.janitor(ctx)
}

func (c *ConnectionTracker) Stop() { close(c.stopCh) }

// Track records a connection for userID on gatewayID, distinguishing a
// live WebSocket (wsConnected=true) from a plain HTTP-session connection.
// It always writes immediately — unlike UpdateTimestamp, Track is not
// throttled because it marks a state transition, not a liveness ping.
func (c *ConnectionTracker) Track(ctx context.Context, userID, sessionID, gatewayID string, wsConnected bool) error {
	now := time.Now()
	conn := &models.Connection{
		UserID:      userID,
		SessionID:   sessionID,
		GatewayID:   gatewayID,
		WSConnected: wsConnected,
		LastSeen:    now,
		ConnectedAt: now,
	}

	if err := c.persist(ctx, conn); err != nil {
		return err
	}

	evtType := pubsub.EventConnectionHTTP
	if wsConnected {
		evtType = pubsub.EventConnectionWS
	}
	return c.publish(ctx, evtType, userID, conn)
}

// Get returns the current connection record for userID, or nil if absent.
func (c *ConnectionTracker) Get(ctx context.Context, userID string) (*models.Connection, error) {
	raw, err := c.kv.Get(ctx, connectionKey(userID))
	if err != nil {
		return nil, nil
	}
	var conn models.Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// UpdateTimestamp refreshes LastSeen, recomputes GatewayID, and extends the
// record's TTL, throttled to at most once per UpdateThrottle per user so a
// chatty socket doesn't turn every inbound frame into a KV write. GatewayID
// is overwritten on every update (not just Track) so a user who reconnects
// to a different replica converges onto the new owner within one activity
// cycle, per spec.md §3/§4.5.
func (c *ConnectionTracker) UpdateTimestamp(ctx context.Context, userID, gatewayID string) error {
	now := time.Now()

	c.throttleMu.Lock()
	last, ok := c.throttled[userID]
	due := !ok || now.Sub(last) >= c.cfg.UpdateThrottle
	if due {
		c.throttled[userID] = now
	}
	c.throttleMu.Unlock()

	if !due {
		return nil
	}

	conn, err := c.Get(ctx, userID)
	if err != nil || conn == nil {
		return err
	}
	conn.LastSeen = now
	conn.GatewayID = gatewayID
	return c.persist(ctx, conn)
}

// Remove deletes the connection record for userID and publishes removal so
// every replica drops any local bookkeeping it holds for this user.
func (c *ConnectionTracker) Remove(ctx context.Context, userID string) error {
	if err := c.kv.Delete(ctx, connectionKey(userID)); err != nil {
		return err
	}

	c.throttleMu.Lock()
	delete(c.throttled, userID)
	c.throttleMu.Unlock()

	return c.publish(ctx, pubsub.EventConnectionRemoved, userID, nil)
}

// ScanAll returns every userID with a live connection record.
func (c *ConnectionTracker) ScanAll(ctx context.Context) ([]string, error) {
	keys, err := c.kv.Scan(ctx, "connections:*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len("connections:"):])
	}
	return out, nil
}

func (c *ConnectionTracker) persist(ctx context.Context, conn *models.Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, connectionKey(conn.UserID), data, c.cfg.TTL)
}

func (c *ConnectionTracker) janitor(ctx context.Context) {
	interval := c.cfg.CacheCleanupInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			c.throttleMu.Lock()
			for id, at := range c.throttled {
				if now.Sub(at) > 10*c.cfg.UpdateThrottle {
					delete(c.throttled, id)
				}
			}
			c.throttleMu.Unlock()
		}
	}
}
