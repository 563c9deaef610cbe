package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"assistant-relay-go/internal/model"
	"assistant-relay-go/internal/service"
	"assistant-relay-go/internal/stream"
	"assistant-relay-go/internal/transcript"
)

// AssistantHandler relays chat/completion requests to the upstream assistant API.
type AssistantHandler struct {
	service    *service.RelayService
	streamer   *stream.Streamer
	transcript *transcript.Log
	logger     *slog.Logger
}

// NewAssistantHandler creates an AssistantHandler.
func NewAssistantHandler(svc *service.RelayService, st *stream.Streamer, tl *transcript.Log, logger *slog.Logger) *AssistantHandler {
	return &AssistantHandler{
		service:    svc,
		streamer:   st,
		transcript: tl,
		logger:     logger.With("component", "assistant_handler"),
	}
}

// Chat handles POST /api/assistant/chat. Streaming is on unless the body sets "stream": false.
func (h *AssistantHandler) Chat(c echo.Context) error {
	return h.fromBody(c, service.ModeChat)
}

// Stream handles POST /api/assistant/stream. Streaming is always on.
func (h *AssistantHandler) Stream(c echo.Context) error {
	return h.fromBody(c, service.ModeStream)
}

// StreamQuery handles GET /api/assistant/stream?q=<json> for EventSource clients.
func (h *AssistantHandler) StreamQuery(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return h.mapError(c, &service.ValidationError{Msg: "q query parameter is required"})
	}
	return h.relay(c, service.ModeQuery, []byte(q))
}

func (h *AssistantHandler) fromBody(c echo.Context, mode service.Mode) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.mapError(c, fmt.Errorf("read request body: %w", err))
	}
	return h.relay(c, mode, raw)
}

func (h *AssistantHandler) relay(c echo.Context, mode service.Mode, raw []byte) error {
	req, err := service.ParseChatRequest(mode, raw)
	if err != nil {
		return h.mapError(c, err)
	}

	id := c.Response().Header().Get(echo.HeaderXRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	entry := transcript.Entry{
		SessionID:   id,
		AssistantID: req.AssistantID,
		Mode:        mode.String(),
		StartedAt:   time.Now(),
	}

	// Canceled on return, and by the session on teardown: either way the
	// upstream connection goes away with it.
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	resp, err := h.service.Forward(ctx, req)
	if err != nil {
		var se *service.UpstreamStatusError
		if errors.As(err, &se) {
			entry.UpstreamStatus = se.StatusCode
			entry.Reason = "upstream_status"
		} else {
			entry.Reason = "upstream_unreachable"
		}
		entry.Error = sanitizeError(err)
		h.record(entry)
		return h.mapError(c, err)
	}

	meta := model.NewUpstreamMeta(resp)
	entry.UpstreamStatus = meta.StatusCode
	entry.Framing = meta.Framing.String()

	if !meta.Streaming() {
		n, err := h.relayBuffered(c, resp)
		entry.Reason = "buffered"
		entry.Bytes = n
		if err != nil {
			entry.Error = sanitizeError(err)
		}
		h.record(entry)
		return nil
	}

	sess := h.streamer.NewSession(id, c.Response(), stream.Upstream{Body: resp.Body, Abort: cancel})
	sum := sess.Serve(ctx, meta.Framing)

	entry.Reason = string(sum.Reason)
	entry.Frames = sum.Frames
	entry.Bytes = sum.Bytes
	if sum.Err != nil && sum.Reason != stream.ReasonClientGone {
		entry.Error = sanitizeError(sum.Err)
	}
	h.record(entry)
	return nil
}

// relayBuffered copies a non-streaming upstream answer verbatim.
func (h *AssistantHandler) relayBuffered(c echo.Context, resp *model.UpstreamResponse) (int64, error) {
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Status is already sent; a failed copy leaves the client with a truncated body.
	n, err := io.Copy(c.Response(), resp.Body)
	if err != nil {
		h.logger.Error("relaying buffered response",
			"err", sanitizeError(err),
			"path", c.Request().URL.Path,
		)
	}
	return n, err
}

func (h *AssistantHandler) record(e transcript.Entry) {
	e.Duration = time.Since(e.StartedAt)
	if h.transcript != nil {
		h.transcript.Record(e)
	}
}
