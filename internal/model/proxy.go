// Package model defines shared types for the relay.
package model

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
)

// ChatRequest is a validated inbound chat/completion request.
type ChatRequest struct {
	AssistantID string
	// Stream is the streaming flag that will be sent upstream.
	Stream bool
	// Payload holds every top-level field of the caller's JSON document so unknown
	// fields reach the upstream untouched.
	Payload map[string]json.RawMessage
}

// UpstreamBody returns the caller's JSON with the stream flag overridden.
func (r *ChatRequest) UpstreamBody() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Payload)+1)
	for k, v := range r.Payload {
		out[k] = v
	}
	if r.Stream {
		out["stream"] = json.RawMessage("true")
	} else {
		out["stream"] = json.RawMessage("false")
	}
	return json.Marshal(out)
}

// UpstreamResponse is the upstream answer to be relayed back.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Framing describes how the upstream body is delimited.
type Framing int

const (
	// FramingBuffered is a single document relayed verbatim.
	FramingBuffered Framing = iota
	// FramingSSE is already a Server-Sent-Events stream.
	FramingSSE
	// FramingLines is newline-delimited plain text with arbitrary chunk boundaries.
	FramingLines
)

func (f Framing) String() string {
	switch f {
	case FramingSSE:
		return "sse"
	case FramingLines:
		return "lines"
	default:
		return "buffered"
	}
}

// UpstreamMeta is derived once from the upstream status line and headers.
type UpstreamMeta struct {
	StatusCode  int
	ContentType string
	Framing     Framing
}

// NewUpstreamMeta classifies an upstream response by status and content type.
func NewUpstreamMeta(resp *UpstreamResponse) UpstreamMeta {
	ct := resp.Header.Get("Content-Type")
	return UpstreamMeta{
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Framing:     framingOf(ct),
	}
}

// Streaming reports whether the response should be relayed as an SSE stream.
func (m UpstreamMeta) Streaming() bool { return m.Framing != FramingBuffered }

// Success reports whether the upstream returned a 2xx status.
func (m UpstreamMeta) Success() bool { return m.StatusCode >= 200 && m.StatusCode < 300 }

func framingOf(contentType string) Framing {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case "text/event-stream":
		return FramingSSE
	case "text/plain", "application/x-ndjson":
		return FramingLines
	default:
		return FramingBuffered
	}
}
