// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/assistant-relay/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the relay itself and cannot host the metrics endpoint.
var reservedRoutes = []string{"/api/assistant", "/healthz", "/proxy/status"}

// MinPaddingBytes is the smallest accepted anti-buffering preamble.
const MinPaddingBytes = 2048

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey      string `kong:"help='Assistant API credential (overrides config).',env='ASSISTANT_API_KEY'"`
	UpstreamURL string `kong:"help='Upstream base URL (overrides config).',env='ASSISTANT_BASE_URL'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is not modified after Load.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Assistant  AssistantConfig  `toml:"assistant"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Stream     StreamConfig     `toml:"stream"`
	Transcript TranscriptConfig `toml:"transcript"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	CORS         CORSConfig      `toml:"cors"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// CORSConfig lists browser origins allowed to call the relay. Empty disables CORS handling.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// AssistantConfig holds the upstream assistant API credential and endpoint path.
type AssistantConfig struct {
	APIKey          string `toml:"api_key"`
	CompletionsPath string `toml:"completions_path"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL              string `toml:"base_url"`
	HeaderTimeoutSeconds int    `toml:"header_timeout_seconds"`
	IdleConnections      int    `toml:"idle_connections"`
}

// StreamConfig tunes the outbound SSE stream.
type StreamConfig struct {
	HeartbeatMS  int `toml:"heartbeat_ms"`
	RetryMS      int `toml:"retry_ms"`
	PaddingBytes int `toml:"padding_bytes"`
}

// TranscriptConfig controls the append-only session log.
type TranscriptConfig struct {
	Enabled       bool   `toml:"enabled"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	StreamKey     string `toml:"stream_key"`
	MaxLen        int64  `toml:"max_len"`
	Buffer        int    `toml:"buffer"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/assistant-relay/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIKey != "" {
		c.Assistant.APIKey = cli.APIKey
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	switch c.Assistant.APIKey {
	case "":
		return fmt.Errorf("assistant.api_key is required")
	case "YOUR_API_KEY_HERE":
		return fmt.Errorf("assistant.api_key contains placeholder value; set a real key")
	}
	if p := c.Assistant.CompletionsPath; p != "" && p[0] != '/' {
		return fmt.Errorf("assistant.completions_path must start with '/'; got %q", p)
	}

	// Upstream URL: required and must be HTTPS.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.HeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.header_timeout_seconds must be non-negative; got %d", c.Upstream.HeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Stream tuning.
	if c.Stream.HeartbeatMS < 0 {
		return fmt.Errorf("stream.heartbeat_ms must be non-negative; got %d", c.Stream.HeartbeatMS)
	}
	if c.Stream.RetryMS < 0 {
		return fmt.Errorf("stream.retry_ms must be non-negative; got %d", c.Stream.RetryMS)
	}
	if c.Stream.PaddingBytes != 0 && c.Stream.PaddingBytes < MinPaddingBytes {
		return fmt.Errorf("stream.padding_bytes must be at least %d; got %d", MinPaddingBytes, c.Stream.PaddingBytes)
	}

	if c.Transcript.Enabled {
		if c.Transcript.RedisAddr == "" {
			return fmt.Errorf("transcript.redis_addr is required when the transcript is enabled")
		}
		if c.Transcript.MaxLen < 0 || c.Transcript.Buffer < 0 {
			return fmt.Errorf("transcript.max_len and transcript.buffer must be non-negative")
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Assistant.CompletionsPath == "" {
		c.Assistant.CompletionsPath = "/assistant/v1/chat/completions"
	}
	if c.Upstream.HeaderTimeoutSeconds == 0 {
		c.Upstream.HeaderTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Stream.HeartbeatMS == 0 {
		c.Stream.HeartbeatMS = 1000
	}
	if c.Stream.RetryMS == 0 {
		c.Stream.RetryMS = 3000
	}
	if c.Stream.PaddingBytes == 0 {
		c.Stream.PaddingBytes = MinPaddingBytes
	}
	if c.Transcript.StreamKey == "" {
		c.Transcript.StreamKey = "assistant-relay:sessions"
	}
	if c.Transcript.MaxLen == 0 {
		c.Transcript.MaxLen = 100000
	}
	if c.Transcript.Buffer == 0 {
		c.Transcript.Buffer = 256
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CompletionsURL joins the upstream base URL and the completions path.
func (c *Config) CompletionsURL() string {
	return strings.TrimRight(c.Upstream.BaseURL, "/") + c.Assistant.CompletionsPath
}

// HeartbeatInterval returns the SSE heartbeat period.
func (c *StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

// RetryInterval returns the reconnect delay advertised to clients.
func (c *StreamConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryMS) * time.Millisecond
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
