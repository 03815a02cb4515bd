package websocket

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// DrainConfig holds configuration for graceful connection draining.
type DrainConfig struct {
	// DrainTimeout is the maximum time to wait for connections to close gracefully.
	DrainTimeout time.Duration

	// GracePeriod is the time between sending reconnect signal and force-closing connections.
	GracePeriod time.Duration
}

func DefaultDrainConfig() *DrainConfig {
	return &DrainConfig{
		DrainTimeout: 30 * time.Second,
		GracePeriod:  5 * time.Second,
	}
}

// DrainState represents the current draining state.
type DrainState int32

const (
	DrainStateHealthy DrainState = iota
	DrainStateDraining
	DrainStateClosed
)

func (s DrainState) String() string {
	switch s {
	case DrainStateHealthy:
		return "healthy"
	case DrainStateDraining:
		return "draining"
	case DrainStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DrainManager manages graceful connection draining for an Engine's Hub.
type DrainManager struct {
	config *DrainConfig
	state  atomic.Int32

	hub *Hub

	onDrainComplete func()

	drainOnce sync.Once
	drainDone chan struct{}
}

func NewDrainManager(config *DrainConfig, hub *Hub) *DrainManager {
	if config == nil {
		config = DefaultDrainConfig()
	}

	dm := &DrainManager{
		config:    config,
		hub:       hub,
		drainDone: make(chan struct{}),
	}
	dm.state.Store(int32(DrainStateHealthy))

	return dm
}

func (dm *DrainManager) State() DrainState { return DrainState(dm.state.Load()) }

func (dm *DrainManager) IsHealthy() bool { return dm.State() == DrainStateHealthy }

func (dm *DrainManager) IsDraining() bool { return dm.State() == DrainStateDraining }

func (dm *DrainManager) SetOnDrainComplete(fn func()) { dm.onDrainComplete = fn }

// StartDrain sends a reconnect frame to every locally-registered client,
// waits GracePeriod, then polls until every client has disconnected or
// DrainTimeout elapses, at which point remaining clients are force-closed.
func (dm *DrainManager) StartDrain(ctx context.Context) error {
	var drainErr error

	dm.drainOnce.Do(func() {
		log.Printf("[drain] starting graceful connection draining (timeout: %v, grace: %v)",
			dm.config.DrainTimeout, dm.config.GracePeriod)

		dm.state.Store(int32(DrainStateDraining))

		clients := dm.hub.All()
		log.Printf("[drain] broadcasting reconnect to %d clients", len(clients))
		dm.broadcastReconnect(clients)

		drainCtx, cancel := context.WithTimeout(ctx, dm.config.DrainTimeout)
		defer cancel()

		graceTimer := time.NewTimer(dm.config.GracePeriod)
		defer graceTimer.Stop()

		select {
		case <-graceTimer.C:
		case <-drainCtx.Done():
			log.Printf("[drain] context cancelled during grace period")
			drainErr = drainCtx.Err()
			dm.finish()
			return
		}

		pollTicker := time.NewTicker(500 * time.Millisecond)
		defer pollTicker.Stop()

		for {
			select {
			case <-pollTicker.C:
				remaining := dm.hub.Count()
				if remaining == 0 {
					log.Printf("[drain] all connections drained successfully")
					dm.finish()
					return
				}
				log.Printf("[drain] waiting for %d connections to close...", remaining)

			case <-drainCtx.Done():
				remainingClients := dm.hub.All()
				if len(remainingClients) > 0 {
					log.Printf("[drain] drain timeout reached, force-closing %d connections", len(remainingClients))
					closed := dm.ForceCloseClients(remainingClients, CloseGoingAway, "server shutdown")
					log.Printf("[drain] force-closed %d connections", closed)
				} else {
					log.Printf("[drain] all connections drained before timeout")
				}
				dm.finish()
				return
			}
		}
	})

	return drainErr
}

func (dm *DrainManager) finish() {
	dm.state.Store(int32(DrainStateClosed))
	close(dm.drainDone)
	if dm.onDrainComplete != nil {
		dm.onDrainComplete()
	}
}

func (dm *DrainManager) WaitForDrain() { <-dm.drainDone }

// WebSocket close codes, re-exported so callers outside this package (e.g.
// cmd/gateway) never need to import gofiber/contrib/websocket directly.
const (
	CloseNormalClosure  = websocket.CloseNormalClosure // 1000
	CloseGoingAway      = websocket.CloseGoingAway     // 1001
	CloseServiceRestart = 1012
)

func (dm *DrainManager) broadcastReconnect(clients []*Client) {
	for _, client := range clients {
		client.Send(TypeReconnect, ReconnectPayload{Reason: "server_shutdown"})
	}
}

// ForceCloseClients forcefully closes remaining client connections with a
// close code. Close is idempotent, so calling it here is safe even if the
// client's own read loop is closing concurrently.
func (dm *DrainManager) ForceCloseClients(clients []*Client, closeCode int, reason string) int {
	closed := 0
	for _, client := range clients {
		client.Close(closeCode, reason)
		closed++
	}
	return closed
}
