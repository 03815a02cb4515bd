package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"gateway/internal/forwarder"
)

func newTestRegistry(authFunc AuthFunc) *Registry {
	fwd := forwarder.New(forwarder.DefaultConfig(), nil)
	return New(fwd, authFunc)
}

func TestRegistry_RegisterListUnregister(t *testing.T) {
	r := newTestRegistry(nil)

	r.Register(API{Name: "weather", BaseURL: "http://example.com", Path: "/v1", Method: "GET"})
	r.Register(API{Name: "billing", BaseURL: "http://example.com", Path: "/v2", Method: "POST", WSSupported: true})

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "billing", list[0].Name)
	require.Equal(t, "weather", list[1].Name)

	require.True(t, r.Unregister("weather"))
	require.False(t, r.Unregister("weather"))
	require.Len(t, r.List(), 1)
}

func TestRegistry_ServeProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"forwarded"}`))
	}))
	defer upstream.Close()

	r := newTestRegistry(nil)
	r.Register(API{Name: "weather", BaseURL: upstream.URL, Path: "/forecast", Method: "GET"})

	app := fiber.New()
	r.MountProxyRoutes(app)

	req := httptest.NewRequest("GET", "/api/proxy/weather", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegistry_ServeProxy_UnknownName(t *testing.T) {
	r := newTestRegistry(nil)

	app := fiber.New()
	r.MountProxyRoutes(app)

	req := httptest.NewRequest("GET", "/api/proxy/nonexistent", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegistry_ServeProxy_RequiresAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "alice", req.Header.Get("X-User-ID"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	authFunc := func(c *fiber.Ctx) (string, string, error) {
		return "alice", "sess-1", nil
	}

	r := newTestRegistry(authFunc)
	r.Register(API{Name: "secure", BaseURL: upstream.URL, Path: "/op", Method: "GET", RequireAuth: true})

	app := fiber.New()
	r.MountProxyRoutes(app)

	req := httptest.NewRequest("GET", "/api/proxy/secure", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegistry_WSHandler(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var envelope map[string]interface{}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&envelope))
		require.Equal(t, "bob", envelope["user_id"])

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"reply":"ok"}`))
	}))
	defer upstream.Close()

	r := newTestRegistry(nil)
	r.Register(API{Name: "chat", BaseURL: upstream.URL, Path: "/relay", Method: "POST", WSSupported: true, RequireAuth: true})

	handler, ok := r.WSHandler("chat")
	require.True(t, ok)

	result, err := handler(context.Background(), "bob", "sess-1", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"reply": "ok"}, result)

	require.True(t, r.RequiresAuth("chat"))

	_, ok = r.WSHandler("unknown")
	require.False(t, ok)
}

func TestRegistry_RequiresAuth_DefaultsTrueForUnknown(t *testing.T) {
	r := newTestRegistry(nil)
	require.True(t, r.RequiresAuth("nonexistent"))
}
