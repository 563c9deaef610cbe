package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"assistant-relay-go/internal/client"
	"assistant-relay-go/internal/service"
)

// bearerPattern matches bearer credentials that may surface in transport errors.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"]+`)

// mapError turns a failure that happened before any stream was opened into
// an HTTP response.
func (h *AssistantHandler) mapError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var ve *service.ValidationError
	if errors.As(err, &ve) {
		h.logger.Debug("rejected request", "err", ve.Msg, "path", c.Request().URL.Path)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": ve.Msg})
	}

	var se *service.UpstreamStatusError
	if errors.As(err, &se) {
		h.logger.Warn("upstream non-success",
			"status", se.StatusCode,
			"path", c.Request().URL.Path,
		)
		return c.Blob(se.StatusCode, echo.MIMEApplicationJSON, se.Body)
	}

	h.logger.Error("relay error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.Canceled) {
		// The client is gone; nobody reads the body.
		return c.NoContent(http.StatusBadGateway)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":  "upstream host unreachable",
			"detail": sanitizeError(err),
		})
	}

	if errors.Is(err, client.ErrUpstreamUnreachable) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":  "upstream connection failed",
			"detail": sanitizeError(err),
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":  "internal error",
		"detail": sanitizeError(err),
	})
}

// sanitizeError redacts credentials from error messages.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
