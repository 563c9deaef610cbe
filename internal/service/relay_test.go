package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"assistant-relay-go/internal/client"
	"assistant-relay-go/internal/config"
	"assistant-relay-go/internal/model"
)

const validID = "3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, h http.HandlerFunc) *RelayService {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Assistant: config.AssistantConfig{
			APIKey:          "secret-key",
			CompletionsPath: "/assistant/v1/chat/completions",
		},
		Upstream: config.UpstreamConfig{
			BaseURL:              srv.URL,
			HeaderTimeoutSeconds: 10,
			IdleConnections:      10,
		},
	}
	logger := testLogger()
	return NewRelayService(client.NewAssistantClient(cfg, logger, nil), logger)
}

func TestParseChatRequest_Valid(t *testing.T) {
	tests := []struct {
		name       string
		mode       Mode
		body       string
		wantStream bool
	}{
		{"chat defaults to streaming", ModeChat, `{"assistantId":"a1","messages":[]}`, true},
		{"chat honors stream false", ModeChat, `{"assistantId":"a1","messages":[],"stream":false}`, false},
		{"chat stream null uses default", ModeChat, `{"assistantId":"a1","messages":[],"stream":null}`, true},
		{"stream forces true", ModeStream, `{"assistantId":"a1","messages":[],"stream":false}`, true},
		{"query forces true", ModeQuery, `{"assistantId":"` + validID + `","messages":[{"role":"user"}],"stream":false}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseChatRequest(tt.mode, []byte(tt.body))
			if err != nil {
				t.Fatalf("ParseChatRequest() error = %v", err)
			}
			if req.Stream != tt.wantStream {
				t.Errorf("Stream = %v, want %v", req.Stream, tt.wantStream)
			}
			if req.AssistantID == "" {
				t.Error("AssistantID is empty")
			}
		})
	}
}

func TestParseChatRequest_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		body    string
		wantErr string
	}{
		{"empty", ModeChat, ``, "JSON object"},
		{"array", ModeChat, `[1,2]`, "JSON object"},
		{"malformed", ModeChat, `{"assistantId":`, "JSON object"},
		{"missing assistantId", ModeChat, `{"messages":[]}`, "assistantId is required"},
		{"null assistantId", ModeChat, `{"assistantId":null,"messages":[]}`, "assistantId is required"},
		{"numeric assistantId", ModeChat, `{"assistantId":5,"messages":[]}`, "non-empty string"},
		{"empty assistantId", ModeStream, `{"assistantId":"","messages":[]}`, "non-empty string"},
		{"query assistantId not a uuid", ModeQuery, `{"assistantId":"not-a-uuid","messages":[]}`, "valid UUID"},
		{"missing messages", ModeChat, `{"assistantId":"a1"}`, "messages is required"},
		{"messages not array", ModeChat, `{"assistantId":"a1","messages":"hi"}`, "messages must be an array"},
		{"stream not boolean", ModeChat, `{"assistantId":"a1","messages":[],"stream":"yes"}`, "stream must be a boolean"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChatRequest(tt.mode, []byte(tt.body))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if !strings.Contains(ve.Msg, tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", ve.Msg, tt.wantErr)
			}
		})
	}
}

func TestModeString(t *testing.T) {
	for mode, want := range map[Mode]string{ModeChat: "chat", ModeStream: "stream", ModeQuery: "query"} {
		if got := mode.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", mode, got, want)
		}
	}
}

func TestForward_SuccessFiltersHeaders(t *testing.T) {
	var gotBody map[string]any
	s := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode upstream body: %v", err)
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Set-Cookie", "session=abc")
		_, _ = w.Write([]byte("0:hi\n"))
	})

	req, err := ParseChatRequest(ModeStream, []byte(`{"assistantId":"a1","messages":[],"temperature":0.2}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Error("Set-Cookie was relayed")
	}
	if meta := model.NewUpstreamMeta(resp); meta.Framing != model.FramingLines {
		t.Errorf("framing = %v, want lines", meta.Framing)
	}
	if gotBody["stream"] != true {
		t.Errorf("upstream stream = %v, want true", gotBody["stream"])
	}
	if gotBody["temperature"] != 0.2 {
		t.Errorf("upstream temperature = %v, want 0.2", gotBody["temperature"])
	}
}

func TestForward_NonSuccessIsUpstreamStatusError(t *testing.T) {
	s := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	})

	req, _ := ParseChatRequest(ModeChat, []byte(`{"assistantId":"a1","messages":[]}`))
	_, err := s.Forward(context.Background(), req)

	var se *UpstreamStatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *UpstreamStatusError", err)
	}
	if se.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", se.StatusCode)
	}
	if string(se.Body) != `{"error":"bad key"}` {
		t.Errorf("Body = %q, want %q", se.Body, `{"error":"bad key"}`)
	}
	if se.ContentType != "application/json" {
		t.Errorf("ContentType = %q, want application/json", se.ContentType)
	}
}

func TestForward_ErrorBodyIsCapped(t *testing.T) {
	s := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", maxErrorBody+100)))
	})

	req, _ := ParseChatRequest(ModeChat, []byte(`{"assistantId":"a1","messages":[]}`))
	_, err := s.Forward(context.Background(), req)

	var se *UpstreamStatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *UpstreamStatusError", err)
	}
	if len(se.Body) != maxErrorBody {
		t.Errorf("len(Body) = %d, want %d", len(se.Body), maxErrorBody)
	}
}

func TestForward_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := &config.Config{
		Assistant: config.AssistantConfig{APIKey: "k", CompletionsPath: "/c"},
		Upstream:  config.UpstreamConfig{BaseURL: url, HeaderTimeoutSeconds: 5, IdleConnections: 1},
	}
	s := NewRelayService(client.NewAssistantClient(cfg, testLogger(), nil), testLogger())

	req, _ := ParseChatRequest(ModeChat, []byte(`{"assistantId":"a1","messages":[]}`))
	_, err := s.Forward(context.Background(), req)
	if !errors.Is(err, client.ErrUpstreamUnreachable) {
		t.Errorf("error = %v, want ErrUpstreamUnreachable", err)
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":           {"application/json"},
		"Content-Length":         {"42"},
		"Transfer-Encoding":      {"chunked"},
		"Set-Cookie":             {"session=abc"},
		"X-Content-Type-Options": {"nosniff"},
		"Date":                   {"Mon, 01 Jan 2025 00:00:00 GMT"},
	}

	dst := FilterResponseHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Content-Type forwarded", "Content-Type", 1},
		{"Content-Length forwarded", "Content-Length", 1},
		{"Date forwarded", "Date", 1},
		{"Set-Cookie stripped", "Set-Cookie", 0},
		{"X-Content-Type-Options stripped", "X-Content-Type-Options", 0},
		{"Transfer-Encoding stripped (hop-by-hop)", "Transfer-Encoding", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}
