// Package handlers holds the gateway's HTTP handlers: session lifecycle
// (C3/C4/C5 fronted by C7), C9's admin proxy registration endpoints, and
// the liveness probe C8's engine backs.
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"gateway/internal/api/middleware"
	"gateway/internal/auth"
	"gateway/internal/ratelimit"
	"gateway/internal/registry"
	"gateway/internal/store"
	"gateway/internal/websocket"
)

// Handlers aggregates every handler group routes.go wires up.
type Handlers struct {
	Sessions *SessionHandlers
	Admin    *AdminHandlers
	Health   *HealthHandlers
}

func New(
	users *store.UserStore,
	sessions *store.SessionStore,
	connections *store.ConnectionTracker,
	cred *auth.CredentialService,
	limiter *ratelimit.Limiter,
	reg *registry.Registry,
	engine *websocket.Engine,
	drain *websocket.DrainManager,
	gatewayID string,
) *Handlers {
	return &Handlers{
		Sessions: NewSessionHandlers(users, sessions, connections, cred, limiter, gatewayID),
		Admin:    NewAdminHandlers(reg),
		Health:   NewHealthHandlers(engine, drain, gatewayID),
	}
}

func principalFrom(c *fiber.Ctx) *middleware.Principal {
	p, _ := c.Locals("principal").(*middleware.Principal)
	return p
}
