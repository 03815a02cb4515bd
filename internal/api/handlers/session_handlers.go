package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"gateway/internal/apierr"
	"gateway/internal/auth"
	"gateway/internal/models"
	"gateway/internal/ratelimit"
	"gateway/internal/store"
)

// SessionHandlers implements the /sessions/* surface fronting C3 (users),
// C4 (sessions), and C5 (connections).
type SessionHandlers struct {
	users       *store.UserStore
	sessions    *store.SessionStore
	connections *store.ConnectionTracker
	cred        *auth.CredentialService
	limiter     *ratelimit.Limiter
	gatewayID   string
}

func NewSessionHandlers(users *store.UserStore, sessions *store.SessionStore, connections *store.ConnectionTracker, cred *auth.CredentialService, limiter *ratelimit.Limiter, gatewayID string) *SessionHandlers {
	return &SessionHandlers{users: users, sessions: sessions, connections: connections, cred: cred, limiter: limiter, gatewayID: gatewayID}
}

type registerRequest struct {
	Username string `json:"username"`
	Contact  string `json:"contact"`
	Password string `json:"password"`
}

// Register is POST /sessions/register.
func (h *SessionHandlers) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return writeAPIError(c, apierr.Validation("malformed request body"))
	}

	if h.limiter != nil {
		if err := h.limiter.CheckIP(c.Context(), c.IP(), "register", ratelimit.RegisterAttempt); err != nil {
			return writeAPIError(c, apierr.RateLimit("too many registration attempts, try again later"))
		}
	}

	if err := h.users.Register(c.Context(), req.Username, req.Contact, req.Password); err != nil {
		return writeAPIError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":  "account created",
		"username": req.Username,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login is POST /sessions/login.
func (h *SessionHandlers) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return writeAPIError(c, apierr.Validation("malformed request body"))
	}

	if h.limiter != nil {
		if err := h.limiter.CheckUsername(c.Context(), req.Username, "login", ratelimit.LoginAttempt); err != nil {
			return writeAPIError(c, apierr.RateLimit("too many login attempts, try again later"))
		}
		if err := h.limiter.CheckIP(c.Context(), c.IP(), "login", ratelimit.LoginAttempt); err != nil {
			return writeAPIError(c, apierr.RateLimit("too many login attempts, try again later"))
		}
	}

	result, err := h.users.Login(c.Context(), req.Username, req.Password, h.gatewayID)
	if err != nil {
		return writeAPIError(c, err)
	}

	return c.JSON(fiber.Map{
		"token":      result.Token,
		"token_type": "bearer",
		"expires_in": result.ExpiresIn,
		"user":       fiber.Map{"username": req.Username, "role": result.Role},
		"session_id": result.SessionID,
	})
}

// Logout is POST /sessions/logout.
func (h *SessionHandlers) Logout(c *fiber.Ctx) error {
	p := principalFrom(c)
	if p == nil {
		return writeAPIError(c, apierr.NoSession("no active session"))
	}
	if err := h.users.Logout(c.Context(), p.Username, p.SessionID); err != nil {
		return writeAPIError(c, err)
	}
	return c.JSON(fiber.Map{"message": "logged out"})
}

// DeleteAccount is POST /sessions/delete_account.
func (h *SessionHandlers) DeleteAccount(c *fiber.Ctx) error {
	p := principalFrom(c)
	if p == nil {
		return writeAPIError(c, apierr.NoSession("no active session"))
	}
	if err := h.users.DeleteAccount(c.Context(), p.Username); err != nil {
		return writeAPIError(c, err)
	}
	return c.JSON(fiber.Map{"message": "account deleted"})
}

type createSessionRequest struct {
	ChatID    string `json:"chat_id"`
	SessionID string `json:"session_id"`
}

// CreateSession is POST /sessions/create.
func (h *SessionHandlers) CreateSession(c *fiber.Ctx) error {
	p := principalFrom(c)
	if p == nil {
		return writeAPIError(c, apierr.NoSession("no active session"))
	}

	var req createSessionRequest
	_ = c.BodyParser(&req)

	sess, sessionID, err := h.sessions.GetOrCreate(c.Context(), p.Username, req.ChatID, req.SessionID)
	if err != nil {
		return writeAPIError(c, apierr.Internal("create session", err))
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"user_id":    sess.UserID,
		"chat_id":    sess.ChatID,
		"data":       sess.Data,
		"ws_url":     fmt.Sprintf("/ws/connect?session_id=%s", sessionID),
	})
}

// GetSession is GET /sessions/{id}. Owner or admin only.
func (h *SessionHandlers) GetSession(c *fiber.Ctx) error {
	p := principalFrom(c)
	if p == nil {
		return writeAPIError(c, apierr.NoSession("no active session"))
	}

	id := c.Params("id")
	sess, err := h.sessions.Get(c.Context(), id)
	if err != nil {
		return writeAPIError(c, apierr.Internal("lookup session", err))
	}
	if sess == nil {
		return writeAPIError(c, apierr.NotFound("session not found"))
	}
	if sess.UserID != p.Username && p.Role != models.RoleAdmin {
		return writeAPIError(c, apierr.Authorization("not the session owner"))
	}

	return c.JSON(sess)
}

type updateSessionRequest struct {
	ChatID string                 `json:"chat_id"`
	Data   map[string]interface{} `json:"data"`
}

// UpdateSession is POST /sessions/update/{id}. Owner only.
func (h *SessionHandlers) UpdateSession(c *fiber.Ctx) error {
	p := principalFrom(c)
	if p == nil {
		return writeAPIError(c, apierr.NoSession("no active session"))
	}

	id := c.Params("id")
	sess, err := h.sessions.Get(c.Context(), id)
	if err != nil {
		return writeAPIError(c, apierr.Internal("lookup session", err))
	}
	if sess == nil {
		return writeAPIError(c, apierr.NotFound("session not found"))
	}
	if sess.UserID != p.Username {
		return writeAPIError(c, apierr.Authorization("not the session owner"))
	}

	var req updateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return writeAPIError(c, apierr.Validation("malformed request body"))
	}

	partial := make(map[string]interface{})
	if req.ChatID != "" {
		partial["chat_id"] = req.ChatID
		sess.ChatID = req.ChatID
	}
	if req.Data != nil {
		partial["data"] = req.Data
		sess.Data = req.Data
	}
	h.sessions.Update(id, partial)

	return c.JSON(sess)
}

// GetUserSessions is GET /sessions/users/{u}/sessions. Owner or admin only.
func (h *SessionHandlers) GetUserSessions(c *fiber.Ctx) error {
	p := principalFrom(c)
	if p == nil {
		return writeAPIError(c, apierr.NoSession("no active session"))
	}

	username := c.Params("u")
	if username != p.Username && p.Role != models.RoleAdmin {
		return writeAPIError(c, apierr.Authorization("not this user's sessions"))
	}

	ids, err := h.sessions.ScanAll(c.Context())
	if err != nil {
		return writeAPIError(c, apierr.Internal("scan sessions", err))
	}

	owned := make([]interface{}, 0)
	for _, id := range ids {
		sess, err := h.sessions.Get(c.Context(), id)
		if err != nil || sess == nil {
			continue
		}
		if sess.UserID == username {
			owned = append(owned, sess)
		}
	}

	return c.JSON(fiber.Map{"sessions": owned, "count": len(owned)})
}

// GetUserConnection is GET /sessions/users/{u}/connection. Owner or admin only.
func (h *SessionHandlers) GetUserConnection(c *fiber.Ctx) error {
	p := principalFrom(c)
	if p == nil {
		return writeAPIError(c, apierr.NoSession("no active session"))
	}

	username := c.Params("u")
	if username != p.Username && p.Role != models.RoleAdmin {
		return writeAPIError(c, apierr.Authorization("not this user's connection"))
	}

	conn, err := h.connections.Get(c.Context(), username)
	if err != nil {
		return writeAPIError(c, apierr.Internal("lookup connection", err))
	}
	if conn == nil {
		return writeAPIError(c, apierr.NotFound("no active connection"))
	}

	return c.JSON(conn)
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
