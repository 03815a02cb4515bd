package handlers

import (
	"github.com/gofiber/fiber/v2"

	"gateway/internal/websocket"
)

// HealthHandlers implements GET /ws/health, the liveness probe for this
// replica's WebSocket engine.
type HealthHandlers struct {
	engine    *websocket.Engine
	drain     *websocket.DrainManager
	gatewayID string
}

func NewHealthHandlers(engine *websocket.Engine, drain *websocket.DrainManager, gatewayID string) *HealthHandlers {
	return &HealthHandlers{engine: engine, drain: drain, gatewayID: gatewayID}
}

// Health is GET /ws/health.
func (h *HealthHandlers) Health(c *fiber.Ctx) error {
	status := "healthy"
	if h.drain != nil && !h.drain.IsHealthy() {
		status = h.drain.State().String()
	}

	connections := 0
	if h.engine != nil {
		connections = h.engine.Hub().Count()
	}

	return c.JSON(fiber.Map{
		"status":      status,
		"gateway_id":  h.gatewayID,
		"connections": connections,
	})
}
