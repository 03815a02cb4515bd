// Package websocket is C8, the WebSocket lifecycle engine: authentication
// on accept, application-level liveness monitoring, typed dispatch with
// role-based authorization, and per-message de-duplication.
package websocket

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"gateway/internal/auth"
	"gateway/internal/models"
	"gateway/internal/pubsub"
	"gateway/internal/store"
)

// EngineConfig holds C8's tunables, all named in spec.md's environment
// configuration table.
type EngineConfig struct {
	GatewayID          string
	PingInterval       time.Duration // 25s
	PongTimeout        time.Duration // 30s
	InactivityTimeout  time.Duration // 60s
	TokenRecheckPeriod time.Duration // 60s
	DedupCacheTTL      time.Duration // 300s
}

func DefaultEngineConfig(gatewayID string) EngineConfig {
	return EngineConfig{
		GatewayID:          gatewayID,
		PingInterval:       25 * time.Second,
		PongTimeout:        30 * time.Second,
		InactivityTimeout:  60 * time.Second,
		TokenRecheckPeriod: 60 * time.Second,
		DedupCacheTTL:      300 * time.Second,
	}
}

// WSHandlerFunc is a C9-registered dynamic handler. It returns the data for
// a "<name>_response" frame; the engine writes the envelope.
type WSHandlerFunc func(ctx context.Context, userID, sessionID string, data json.RawMessage) (interface{}, error)

// HandlerTable is C9's view as seen by the engine: dynamic WS dispatch plus
// the require_auth override that role-based authorization consults.
type HandlerTable interface {
	WSHandler(msgType string) (WSHandlerFunc, bool)
	RequiresAuth(msgType string) bool
}

// defaultRoleAllow is spec.md's default role-based authorization table.
func defaultRoleAllow() map[models.Role]map[string]bool {
	return map[models.Role]map[string]bool{
		models.RoleUser: {
			TypeUpdateAPIKey: true,
			"chat_message":   true,
			"ping":           true,
			"pong":           true,
		},
		models.RoleAdmin: {"*": true},
	}
}

type dedupEntry struct {
	fingerprint string
	at          time.Time
}

// Engine is C8: it accepts sockets, authenticates them, runs the ping and
// inactivity monitors, and dispatches typed messages.
type Engine struct {
	cfg EngineConfig

	cred        *auth.CredentialService
	connections *store.ConnectionTracker
	sessions    *store.SessionStore
	hub         *Hub
	registry    HandlerTable

	authzMu sync.RWMutex
	allow   map[models.Role]map[string]bool

	dedupMu sync.Mutex
	dedup   map[string]dedupEntry

	stopCh chan struct{}
}

// NewEngine takes hub rather than constructing its own, so the same Hub
// instance can be handed to store.NewUserStore as a LocalCloseFunc — the
// store layer and the engine must force-close through the same registry of
// live local sockets for the same-replica login/logout/account-deletion
// case to work.
func NewEngine(cfg EngineConfig, cred *auth.CredentialService, connections *store.ConnectionTracker, sessions *store.SessionStore, hub *Hub, registry HandlerTable) *Engine {
	return &Engine{
		cfg:         cfg,
		cred:        cred,
		connections: connections,
		sessions:    sessions,
		hub:         hub,
		registry:    registry,
		allow:       defaultRoleAllow(),
		dedup:       make(map[string]dedupEntry),
		stopCh:      make(chan struct{}),
	}
}

// Hub exposes the local client registry for drain and metrics.
func (e *Engine) Hub() *Hub { return e.hub }

// localStaleSweepInterval and localStaleThreshold bound how long this
// replica's own bookkeeping is allowed to drift from its live sockets — a
// fast, replica-local safety net distinct from C6's cluster-wide daily
// sweep. It never touches the KV, only this process's in-memory Hub.
const (
	localStaleSweepInterval = 60 * time.Second
	localStaleThreshold     = 5 * time.Minute
)

// Run starts the dedup-cache janitor, the local stale-connection sweep, and
// the cross-replica subscriptions that close local sockets on logout or
// inactive-account cleanup.
func (e *Engine) Run(ctx context.Context, bus *pubsub.Bus) error {
	go e.dedupJanitor(ctx)
	go e.localStaleSweep(ctx)

	bus.OnMessage(func(evt pubsub.Event) {
		switch evt.Type {
		case pubsub.EventSessionLogout:
			e.hub.ForceClose(evt.UserID, websocket.CloseNormalClosure, "Session ended")
		case pubsub.EventUserInactiveCleanup, pubsub.EventAccountDeleted:
			e.hub.ForceClose(evt.UserID, websocket.CloseNormalClosure, "Account inactive")
		}
	})
	if err := bus.SubscribePattern(pubsub.EventSessionLogout); err != nil {
		return err
	}
	if err := bus.SubscribePattern(pubsub.EventUserInactiveCleanup); err != nil {
		return err
	}
	return bus.SubscribePattern(pubsub.EventAccountDeleted)
}

// Stop signals background loops to exit.
func (e *Engine) Stop() { close(e.stopCh) }

// AllowType grants (role, msgType) at runtime — the administrative
// operation spec.md names alongside the default allow-list.
func (e *Engine) AllowType(role models.Role, msgType string) {
	e.authzMu.Lock()
	defer e.authzMu.Unlock()
	if e.allow[role] == nil {
		e.allow[role] = make(map[string]bool)
	}
	e.allow[role][msgType] = true
}

// DenyType revokes (role, msgType) at runtime.
func (e *Engine) DenyType(role models.Role, msgType string) {
	e.authzMu.Lock()
	defer e.authzMu.Unlock()
	delete(e.allow[role], msgType)
}

func (e *Engine) authorized(role models.Role, msgType string) bool {
	e.authzMu.RLock()
	roleAllow := e.allow[role]
	e.authzMu.RUnlock()

	if roleAllow["*"] || roleAllow[msgType] {
		return true
	}
	return !e.registry.RequiresAuth(msgType)
}

// HandleConnection is the fiber websocket.New handler: the acceptance
// protocol plus the receive loop. The socket is accepted unconditionally
// (step 1 of the protocol) so a misbehaving client still gets an explicit
// close frame with a reason.
func (e *Engine) HandleConnection(conn *websocket.Conn) {
	ctx := context.Background()

	sessionID := conn.Query("session_id")
	token := conn.Query("token")

	claims, err := e.cred.Verify(token)
	if err != nil {
		closeWithReason(conn, websocket.ClosePolicyViolation, "Authentication failed")
		return
	}
	userID := claims.Username
	role := claims.Role

	connRecord, err := e.connections.Get(ctx, userID)
	if err != nil {
		closeWithReason(conn, websocket.ClosePolicyViolation, "Internal error")
		return
	}
	if connRecord != nil && connRecord.SessionID != "" && sessionID != "" && connRecord.SessionID != sessionID {
		closeWithReason(conn, websocket.ClosePolicyViolation, "Session mismatch")
		return
	}

	if err := e.connections.Track(ctx, userID, sessionID, e.cfg.GatewayID, true); err != nil {
		closeWithReason(conn, websocket.ClosePolicyViolation, "Internal error")
		return
	}

	client := newClient(conn, e.hub, userID, role, sessionID)
	e.hub.Register(client)

	client.Send(TypeConnected, map[string]interface{}{
		"user_id":            userID,
		"session_id":         sessionID,
		"gateway_id":         e.cfg.GatewayID,
		"ping_interval":      int(e.cfg.PingInterval.Seconds()),
		"inactivity_timeout": int(e.cfg.InactivityTimeout.Seconds()),
	})

	monitorCtx, cancelMonitors := context.WithCancel(ctx)
	var monitors sync.WaitGroup
	monitors.Add(2)
	go func() { defer monitors.Done(); e.pingLoop(monitorCtx, client) }()
	go func() { defer monitors.Done(); e.inactivityMonitor(monitorCtx, client) }()

	go client.writePump()

	lastVerify := time.Now()
	client.readPump(func(c *Client, msg Message) {
		e.handleFrame(ctx, c, msg, token, &lastVerify)
	})

	cancelMonitors()
	monitors.Wait()

	_ = e.connections.Remove(ctx, userID)
}

func (e *Engine) pingLoop(ctx context.Context, c *Client) {
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.Send("ping", map[string]interface{}{"timestamp": time.Now().Unix()})

			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}

			if c.IdleSincePong() > e.cfg.PongTimeout {
				c.Close(websocket.ClosePolicyViolation, "Pong timeout")
				return
			}
		}
	}
}

func (e *Engine) inactivityMonitor(ctx context.Context, c *Client) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if c.IdleFor() > e.cfg.InactivityTimeout {
				c.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
				return
			}
		}
	}
}

func (e *Engine) handleFrame(ctx context.Context, c *Client, msg Message, token string, lastVerify *time.Time) {
	c.Touch()
	_ = e.connections.UpdateTimestamp(ctx, c.Username, e.cfg.GatewayID)

	if msg.Type == "" {
		c.Send(TypeError, ErrorPayload{Code: "bad_request", Message: "missing type"})
		return
	}

	switch msg.Type {
	case "pong":
		c.NotePong()
		return
	case "ping":
		c.Send("pong", map[string]interface{}{"timestamp": time.Now().Unix()})
		return
	}

	if !e.authorized(c.Role, msg.Type) {
		c.Send(TypeError, ErrorPayload{Code: "unauthorized", Message: "Unauthorized: " + msg.Type})
		return
	}

	switch msg.Type {
	case TypeUpdateAPIKey:
		e.handleUpdateAPIKey(ctx, c, msg.Data)
	default:
		e.dispatchDynamic(ctx, c, msg)
	}

	if time.Since(*lastVerify) > e.cfg.TokenRecheckPeriod {
		if _, err := e.cred.Verify(token); err != nil {
			c.Close(websocket.ClosePolicyViolation, "Token expired")
			return
		}
		*lastVerify = time.Now()
	}
}

func (e *Engine) dispatchDynamic(ctx context.Context, c *Client, msg Message) {
	handler, ok := e.registry.WSHandler(msg.Type)
	if !ok {
		c.Send(TypeError, ErrorPayload{Code: "unknown_type", Message: "unknown message type: " + msg.Type})
		return
	}

	resp, err := func() (result interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, c.Username, c.SessionID, msg.Data)
	}()

	if err != nil {
		c.Send(TypeError, ErrorPayload{Code: "handler_error", Message: err.Error()})
		return
	}
	c.Send(msg.Type+"_response", resp)
}

func (e *Engine) handleUpdateAPIKey(ctx context.Context, c *Client, data json.RawMessage) {
	var payload UpdateAPIKeyPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.Send(TypeError, ErrorPayload{Code: "bad_request", Message: "invalid update_api_key payload"})
		return
	}

	fingerprint := fingerprintKey(payload.APIKey)
	cacheKey := c.Username + "|" + c.SessionID + "|" + TypeUpdateAPIKey

	e.dedupMu.Lock()
	entry, ok := e.dedup[cacheKey]
	fresh := ok && entry.fingerprint == fingerprint && time.Since(entry.at) < e.cfg.DedupCacheTTL
	if !fresh {
		e.dedup[cacheKey] = dedupEntry{fingerprint: fingerprint, at: time.Now()}
	}
	e.dedupMu.Unlock()

	c.Send(TypeAck, map[string]interface{}{
		"api_key":    payload.APIKey,
		"session_id": c.SessionID,
		"gateway_id": e.cfg.GatewayID,
	})

	if fresh {
		return
	}

	e.sessions.Update(c.SessionID, map[string]interface{}{"api_key": payload.APIKey})
	_ = ctx
	// The write itself happens on the batched writer's own schedule; if it
	// never lands, the entry is merely stale, not evicted — matching
	// spec.md's note that only *asynchronous failure* evicts the cache. A
	// batched writer has no failure signal back to this call site, so the
	// only correctness-relevant guarantee kept here is that a changed key
	// always busts the cache.
}

func fingerprintKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) dedupJanitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DedupCacheTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			e.dedupMu.Lock()
			for k, v := range e.dedup {
				if now.Sub(v.at) > e.cfg.DedupCacheTTL {
					delete(e.dedup, k)
				}
			}
			e.dedupMu.Unlock()
		}
	}
}

// localStaleSweep periodically drops any locally-registered client whose
// own last-activity bookkeeping has drifted past localStaleThreshold. The
// per-socket inactivity monitor should always catch this first; this sweep
// only matters if a monitor goroutine has leaked or wedged.
func (e *Engine) localStaleSweep(ctx context.Context) {
	ticker := time.NewTicker(localStaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			for _, c := range e.hub.All() {
				if c.IdleFor() > localStaleThreshold {
					log.Printf("[websocket] local stale sweep closing %s: idle %s", c.Username, c.IdleFor())
					c.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
				}
			}
		}
	}
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	payload := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, payload)
	_ = conn.Close()
	log.Printf("[websocket] rejected connection: %s", reason)
}
