package api

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"gateway/internal/api/handlers"
	"gateway/internal/api/middleware"
	wsengine "gateway/internal/websocket"
)

// SetupRoutes configures every route in spec.md §6's HTTP surface table.
func SetupRoutes(app *fiber.App, h *handlers.Handlers, m *middleware.Middleware, engine *wsengine.Engine, reg interface {
	MountProxyRoutes(app fiber.Router)
}) {
	app.Get("/ws/health", h.Health.Health)

	sessions := app.Group("/sessions")
	// Register and Login rate-limit themselves (by IP and, for login, by
	// username too) inside the handler, so no route-level RateLimit
	// middleware is layered on here — stacking both would double-count
	// against the same IP key and halve the configured limit.
	sessions.Post("/register", h.Sessions.Register)
	sessions.Post("/login", h.Sessions.Login)
	sessions.Post("/logout", m.RequireAuth, h.Sessions.Logout)
	sessions.Post("/delete_account", m.RequireAuth, h.Sessions.DeleteAccount)
	sessions.Post("/create", m.RequireAuth, h.Sessions.CreateSession)
	sessions.Get("/:id", m.RequireAuth, h.Sessions.GetSession)
	sessions.Post("/update/:id", m.RequireAuth, h.Sessions.UpdateSession)
	sessions.Get("/users/:u/sessions", m.RequireAuth, h.Sessions.GetUserSessions)
	sessions.Get("/users/:u/connection", m.RequireAuth, h.Sessions.GetUserConnection)

	adminAPI := app.Group("/api")
	adminAPI.Post("/register", m.RequireAdmin, h.Admin.RegisterProxy)
	adminAPI.Delete("/unregister", m.RequireAdmin, h.Admin.UnregisterProxy)
	adminAPI.Get("/list", m.RequireAdmin, h.Admin.ListProxies)

	// Proxy routes enforce auth themselves per-API via the registry's
	// authFunc, since RequireAuth varies per registered proxy.
	reg.MountProxyRoutes(app)

	app.Get("/ws/connect", m.WebSocketUpgrade, websocket.New(engine.HandleConnection))
}
