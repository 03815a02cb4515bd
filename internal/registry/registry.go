// Package registry is C9: the route/handler registry that lets an admin
// mount or remove a proxied external API at runtime, without a process
// restart, grounded on the original implementation's URLManager
// (register/unregister/list, HTTP proxy mounting at /api/proxy/<name>, a
// parallel WS message-handler table).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gofiber/fiber/v2"

	"gateway/internal/apierr"
	"gateway/internal/forwarder"
	"gateway/internal/websocket"
)

// API describes one registered external API, REST or WS.
type API struct {
	Name        string            `json:"name"`
	BaseURL     string            `json:"base_url"`
	Path        string            `json:"path"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequireAuth bool              `json:"require_auth"`
	WSSupported bool              `json:"ws_supported"`
}

// AuthFunc resolves a Fiber request context into the principal the proxy
// route forwards as X-User-ID / X-Session-ID, when RequireAuth is set.
type AuthFunc func(c *fiber.Ctx) (userID, sessionID string, err error)

// Registry is C9: two tables keyed by logical name. The HTTP proxy route is
// mounted on a caller-supplied router by MountProxyRoutes.
type Registry struct {
	forwarder *forwarder.Forwarder
	authFunc  AuthFunc

	mu        sync.RWMutex
	apis      map[string]API
	wsHandler map[string]bool // name -> require_auth, mirrors apis but fast-pathed for the engine
}

func New(fwd *forwarder.Forwarder, authFunc AuthFunc) *Registry {
	return &Registry{
		forwarder: fwd,
		authFunc:  authFunc,
		apis:      make(map[string]API),
		wsHandler: make(map[string]bool),
	}
}

// Register stores cfg in the apis table and, when cfg.WSSupported, in the
// WS handler table. It mounts no route: the single /api/proxy/:name route
// looks names up in the apis table on every request.
func (r *Registry) Register(cfg API) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.apis[cfg.Name] = cfg
	if cfg.WSSupported {
		r.wsHandler[cfg.Name] = cfg.RequireAuth
	}
}

// Unregister removes both the REST mount and the WS handler table entry.
// Fiber has no supported route-removal API, so REST "removal" works by
// having serveProxy consult the live apis map on every request — an
// unregistered name simply 404s from that point on, which is
// observationally identical to the mount having been pulled.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.apis[name]; !ok {
		return false
	}
	delete(r.apis, name)
	delete(r.wsHandler, name)
	return true
}

// List returns every registered API, sorted by name for stable output.
func (r *Registry) List() []API {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]API, 0, len(r.apis))
	for _, a := range r.apis {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) get(name string) (API, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apis[name]
	return a, ok
}

// MountProxyRoutes installs the single catch-all /api/proxy/:name route;
// registration only needs to update the apis map, not add new Fiber routes,
// since every proxy call is dispatched through this one handler.
func (r *Registry) MountProxyRoutes(app fiber.Router) {
	app.All("/api/proxy/:name", r.serveProxy)
}

func (r *Registry) serveProxy(c *fiber.Ctx) error {
	name := c.Params("name")
	cfg, ok := r.get(name)
	if !ok {
		return writeAPIError(c, apierr.NotFound(fmt.Sprintf("no proxy registered as %q", name)))
	}
	if cfg.WSSupported {
		return writeAPIError(c, apierr.Validation(fmt.Sprintf("%q is a WS handler, not an HTTP proxy", name)))
	}

	var userID, sessionID string
	if cfg.RequireAuth {
		if r.authFunc == nil {
			return writeAPIError(c, apierr.Internal("proxy requires auth but no auth function is wired", nil))
		}
		var err error
		userID, sessionID, err = r.authFunc(c)
		if err != nil {
			return writeAPIError(c, err)
		}
	}

	headers := make(map[string]string, len(cfg.Headers)+2)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.RequireAuth {
		headers["X-User-ID"] = userID
		headers["X-Session-ID"] = sessionID
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	result := r.forwarder.Forward(c.Context(), forwarder.Request{
		Upstream: cfg.Name,
		Method:   method,
		URL:      cfg.BaseURL + cfg.Path,
		Body:     c.Body(),
		Headers:  headers,
	})

	if result.Error == "CIRCUIT_BREAKER_OPEN" {
		return writeAPIError(c, apierr.UpstreamBreakerOpen(result.Message))
	}
	if result.Error != "" {
		return writeAPIError(c, apierr.UpstreamStatus(result.StatusCode, result.Message))
	}

	c.Status(result.StatusCode)
	return c.Send(result.Body)
}

// WSHandler implements websocket.HandlerTable: it returns a dynamic
// dispatch function that forwards {user_id, session_id, message} upstream
// and returns the upstream's JSON body as the response payload.
func (r *Registry) WSHandler(msgType string) (websocket.WSHandlerFunc, bool) {
	cfg, ok := r.get(msgType)
	if !ok || !cfg.WSSupported {
		return nil, false
	}

	handler := func(ctx context.Context, userID, sessionID string, data json.RawMessage) (interface{}, error) {
		envelope, err := json.Marshal(map[string]interface{}{
			"user_id":    userID,
			"session_id": sessionID,
			"message":    json.RawMessage(data),
		})
		if err != nil {
			return nil, err
		}

		method := cfg.Method
		if method == "" {
			method = http.MethodPost
		}

		result := r.forwarder.Forward(ctx, forwarder.Request{
			Upstream: cfg.Name,
			Method:   method,
			URL:      cfg.BaseURL + cfg.Path,
			Body:     envelope,
			Headers:  cfg.Headers,
		})
		if result.Error != "" {
			return nil, fmt.Errorf("%s: %s", result.Error, result.Message)
		}

		var decoded interface{}
		if err := json.Unmarshal(result.Body, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	}

	return handler, true
}

// RequiresAuth implements websocket.HandlerTable.
func (r *Registry) RequiresAuth(msgType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	require, ok := r.wsHandler[msgType]
	if !ok {
		return true
	}
	return require
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
