// Package client provides the upstream HTTP client for the assistant API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"assistant-relay-go/internal/config"
	"assistant-relay-go/internal/metrics"
	"assistant-relay-go/internal/model"
)

// ErrUpstreamUnreachable wraps every transport-level failure talking to the upstream.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

const userAgent = "assistant-relay-go/1.0"

// AssistantClient sends chat/completion requests to the upstream assistant API.
type AssistantClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	endpoint   string
	apiKey     string
}

// NewAssistantClient creates an AssistantClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// No overall client timeout is set: streamed bodies may legitimately stay open
// for minutes. Only the wait for response headers is bounded.
func NewAssistantClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *AssistantClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.HeaderTimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &AssistantClient{
		httpClient: &http.Client{
			Transport: transport,
			// Never follow redirects: a replayed POST is not safe.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   logger.With("component", "assistant_client"),
		metrics:  m,
		endpoint: cfg.CompletionsURL(),
		apiKey:   cfg.Assistant.APIKey,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *AssistantClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Complete POSTs a JSON chat/completion payload to the upstream endpoint.
// The provided context controls the lifetime of the whole exchange, body included:
// canceling it tears down the upstream connection.
func (c *AssistantClient) Complete(ctx context.Context, body []byte) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)

	return c.Do(req)
}

// Endpoint returns the upstream completions URL.
func (c *AssistantClient) Endpoint() string {
	return c.endpoint
}
