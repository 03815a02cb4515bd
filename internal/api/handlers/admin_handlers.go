package handlers

import (
	"github.com/gofiber/fiber/v2"

	"gateway/internal/apierr"
	"gateway/internal/registry"
)

// AdminHandlers implements C9's admin-only proxy registration surface:
// /api/register, /api/unregister, /api/list.
type AdminHandlers struct {
	registry *registry.Registry
}

func NewAdminHandlers(reg *registry.Registry) *AdminHandlers {
	return &AdminHandlers{registry: reg}
}

// RegisterProxy is POST /api/register.
func (h *AdminHandlers) RegisterProxy(c *fiber.Ctx) error {
	var cfg registry.API
	if err := c.BodyParser(&cfg); err != nil {
		return writeAPIError(c, apierr.Validation("malformed proxy spec"))
	}
	if cfg.Name == "" || cfg.BaseURL == "" {
		return writeAPIError(c, apierr.Validation("name and base_url are required"))
	}

	h.registry.Register(cfg)

	return c.JSON(fiber.Map{
		"message": "proxy registered",
		"name":    cfg.Name,
	})
}

// UnregisterProxy is DELETE /api/unregister?name=.
func (h *AdminHandlers) UnregisterProxy(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return writeAPIError(c, apierr.Validation("name query parameter is required"))
	}
	if !h.registry.Unregister(name) {
		return writeAPIError(c, apierr.NotFound("no proxy registered as "+name))
	}
	return c.JSON(fiber.Map{"message": "proxy unregistered"})
}

// ListProxies is GET /api/list.
func (h *AdminHandlers) ListProxies(c *fiber.Ctx) error {
	return c.JSON(h.registry.List())
}
