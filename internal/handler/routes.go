package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, assistant *AssistantHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	api := e.Group("/api/assistant")
	api.POST("/chat", assistant.Chat)
	api.POST("/stream", assistant.Stream)
	api.GET("/stream", assistant.StreamQuery)
}
