// Package middleware holds the gateway's Fiber middleware, including C7,
// the auth gate shared by every HTTP route and the WebSocket upgrade.
package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"gateway/internal/apierr"
	"gateway/internal/auth"
	"gateway/internal/models"
	"gateway/internal/ratelimit"
	"gateway/internal/store"
)

// Principal is what authorize() hands back on success: the identity and
// session a request is acting as.
type Principal struct {
	Username  string
	Role      models.Role
	SessionID string
}

// AuthGate is C7: the single authorize(token, expected_session?) entry
// point every HTTP route and the WebSocket upgrade funnel through.
type AuthGate struct {
	cred        *auth.CredentialService
	connections *store.ConnectionTracker
	sessions    *store.SessionStore
	gatewayID   string
}

func NewAuthGate(cred *auth.CredentialService, connections *store.ConnectionTracker, sessions *store.SessionStore, gatewayID string) *AuthGate {
	return &AuthGate{cred: cred, connections: connections, sessions: sessions, gatewayID: gatewayID}
}

// Authorize implements the shared five-step gate described in spec.md:
//  1. verify the token via C2 and extract the identity
//  2. fetch the connection record, minting a default session and a
//     non-WS connection the first time a freshly issued token is used
//  3. fail with SessionMismatch if expectedSession was supplied and
//     disagrees with the tracked session
//  4. throttled-touch the connection timestamp and session
//  5. return the principal
func (g *AuthGate) Authorize(ctx context.Context, token, expectedSession string) (*Principal, error) {
	claims, err := g.cred.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredToken):
			return nil, apierr.AuthExpired("token expired")
		case errors.Is(err, auth.ErrMalformedToken):
			return nil, apierr.Auth("missing or malformed token")
		default:
			return nil, apierr.Auth("invalid token")
		}
	}

	username := claims.Username

	conn, err := g.connections.Get(ctx, username)
	if err != nil {
		return nil, apierr.Internal("failed to look up connection", err)
	}

	if conn == nil {
		sess, sessionID, err := g.sessions.GetOrCreate(ctx, username, "", "")
		if err != nil {
			return nil, apierr.Internal("failed to create default session", err)
		}
		if err := g.connections.Track(ctx, username, sessionID, g.gatewayID, false); err != nil {
			return nil, apierr.Internal("failed to record connection", err)
		}
		conn = &models.Connection{UserID: username, SessionID: sessionID}
		_ = sess
	}

	if expectedSession != "" && expectedSession != conn.SessionID {
		return nil, apierr.SessionMismatch("session does not match the tracked connection")
	}

	_ = g.connections.UpdateTimestamp(ctx, username, g.gatewayID)
	g.sessions.Touch(conn.SessionID)

	return &Principal{Username: username, Role: claims.Role, SessionID: conn.SessionID}, nil
}

// Middleware wires AuthGate and the rate limiter into Fiber handlers.
type Middleware struct {
	gate    *AuthGate
	limiter *ratelimit.Limiter
}

func NewMiddleware(gate *AuthGate, limiter *ratelimit.Limiter) *Middleware {
	return &Middleware{gate: gate, limiter: limiter}
}

// RequireAuth runs C7's gate and stores the resulting Principal in locals.
func (m *Middleware) RequireAuth(c *fiber.Ctx) error {
	token := bearerToken(c)

	principal, err := m.gate.Authorize(c.Context(), token, "")
	if err != nil {
		return writeAPIError(c, err)
	}

	c.Locals("principal", principal)
	c.Locals("username", principal.Username)
	c.Locals("role", principal.Role)
	return c.Next()
}

// RequireAdmin is RequireAuth plus a role check, for C9's admin-only
// route registration endpoints.
func (m *Middleware) RequireAdmin(c *fiber.Ctx) error {
	principal, err := m.gate.Authorize(c.Context(), bearerToken(c), "")
	if err != nil {
		return writeAPIError(c, err)
	}
	if principal.Role != models.RoleAdmin {
		return writeAPIError(c, apierr.Authorization("admin role required"))
	}
	c.Locals("principal", principal)
	c.Locals("username", principal.Username)
	c.Locals("role", principal.Role)
	return c.Next()
}

func bearerToken(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

func writeAPIError(c *fiber.Ctx, err error) error {
	apiErr := apierr.As(err)
	return c.Status(apiErr.Status).JSON(fiber.Map{
		"error":       string(apiErr.Kind),
		"detail":      apiErr.Message,
		"status_code": apiErr.Status,
		"path":        c.Path(),
	})
}

// WebSocketUpgrade checks if request is a WebSocket upgrade.
func (m *Middleware) WebSocketUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// RateLimit applies a named rate limit config keyed by client IP. No route
// in routes.go uses it: register and login rate-limit inside their handlers.
func (m *Middleware) RateLimit(cfg ratelimit.Config, action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.limiter == nil {
			return c.Next()
		}
		if err := m.limiter.CheckIP(c.Context(), c.IP(), action, cfg); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return writeAPIError(c, apierr.RateLimit("too many requests, try again later"))
			}
			return c.Next()
		}
		return c.Next()
	}
}

// CORS adds CORS headers.
func (m *Middleware) CORS() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Method() == "OPTIONS" {
			return c.SendStatus(fiber.StatusNoContent)
		}

		return c.Next()
	}
}

// RequestID adds a unique request ID.
func (m *Middleware) RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("X-Request-ID", requestID)
		c.Locals("requestID", requestID)
		return c.Next()
	}
}

// Recover recovers from panics in downstream handlers.
func (m *Middleware) Recover() fiber.Handler {
	return func(c *fiber.Ctx) error {
		defer func() {
			if r := recover(); r != nil {
				c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "internal server error",
				})
			}
		}()
		return c.Next()
	}
}
