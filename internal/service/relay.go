// Package service implements request validation and upstream forwarding for the relay.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"assistant-relay-go/internal/client"
	"assistant-relay-go/internal/model"
)

// maxErrorBody caps how much of a non-success upstream body is captured.
const maxErrorBody = 1 << 20

// Mode identifies which inbound route a request arrived on.
type Mode int

const (
	// ModeChat honors the caller's stream flag, defaulting to true.
	ModeChat Mode = iota
	// ModeStream forces streaming.
	ModeStream
	// ModeQuery is the GET variant: JSON in the q parameter, streaming forced
	// and assistantId required to be a UUID.
	ModeQuery
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeQuery:
		return "query"
	default:
		return "chat"
	}
}

// ValidationError is malformed caller input, rejected before any upstream call.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// UpstreamStatusError is a non-2xx upstream answer received before any stream
// was opened. Body holds the upstream body, truncated to 1 MiB.
type UpstreamStatusError struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// forwardableResponseHeaders are the only upstream headers relayed on buffered responses.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"X-Request-Id":     true,
}

// RelayService validates inbound chat requests and forwards them upstream.
type RelayService struct {
	client *client.AssistantClient
	logger *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.AssistantClient, logger *slog.Logger) *RelayService {
	return &RelayService{
		client: c,
		logger: logger.With("component", "relay_service"),
	}
}

// ParseChatRequest validates raw and resolves the stream flag sent upstream.
func ParseChatRequest(mode Mode, raw []byte) (*model.ChatRequest, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, invalid("request must be a JSON object")
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, invalid("request must be a JSON object")
	}

	var assistantID string
	if v, ok := payload["assistantId"]; !ok || isNull(v) {
		return nil, invalid("assistantId is required")
	} else if err := json.Unmarshal(v, &assistantID); err != nil || assistantID == "" {
		return nil, invalid("assistantId must be a non-empty string")
	}
	if mode == ModeQuery {
		if _, err := uuid.Parse(assistantID); err != nil {
			return nil, invalid("assistantId must be a valid UUID")
		}
	}

	msgs, ok := payload["messages"]
	if !ok || isNull(msgs) {
		return nil, invalid("messages is required")
	}
	var list []json.RawMessage
	if err := json.Unmarshal(msgs, &list); err != nil {
		return nil, invalid("messages must be an array")
	}

	stream := true
	if v, ok := payload["stream"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &stream); err != nil {
			return nil, invalid("stream must be a boolean")
		}
	}
	if mode != ModeChat {
		stream = true
	}

	return &model.ChatRequest{
		AssistantID: assistantID,
		Stream:      stream,
		Payload:     payload,
	}, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Forward sends req upstream. On a 2xx answer the response is returned with its
// headers filtered; the caller owns the body. A non-2xx answer is drained and
// returned as *UpstreamStatusError.
func (s *RelayService) Forward(ctx context.Context, req *model.ChatRequest) (*model.UpstreamResponse, error) {
	body, err := req.UpstreamBody()
	if err != nil {
		return nil, fmt.Errorf("encode upstream body: %w", err)
	}

	s.logger.Debug("forwarding request",
		"assistant_id", req.AssistantID,
		"stream", req.Stream,
	)

	resp, err := s.client.Complete(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if !model.NewUpstreamMeta(resp).Success() {
		defer resp.Body.Close()
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			s.logger.Warn("reading upstream error body", "error", readErr)
		}
		return nil, &UpstreamStatusError{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        data,
		}
	}

	resp.Header = FilterResponseHeaders(resp.Header)
	return resp, nil
}

// FilterResponseHeaders keeps only the upstream headers safe to relay to clients.
func FilterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
