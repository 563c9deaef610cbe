package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"assistant-relay-go/internal/config"
	"assistant-relay-go/internal/stream"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	streamer *stream.Streamer
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, st *stream.Streamer) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, streamer: st}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UpstreamURL   string `json:"upstream_url"`
	ActiveStreams int64  `json:"active_streams"`
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.CompletionsURL(),
	}
	if h.streamer != nil {
		resp.ActiveStreams = h.streamer.Active()
	}
	return c.JSON(http.StatusOK, resp)
}
