// Package transcript keeps an append-only record of relayed sessions.
//
// Entries are queued without blocking the request path and written by a single
// background worker to a Sink.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"assistant-relay-go/internal/config"
	"assistant-relay-go/internal/metrics"
)

const appendTimeout = 5 * time.Second

// Entry describes one relayed request.
type Entry struct {
	SessionID      string
	AssistantID    string
	Mode           string
	Framing        string
	UpstreamStatus int
	Reason         string
	Error          string
	Frames         int
	Bytes          int64
	StartedAt      time.Time
	Duration       time.Duration
}

// Values flattens the entry into string fields.
func (e Entry) Values() map[string]any {
	return map[string]any{
		"session_id":      e.SessionID,
		"assistant_id":    e.AssistantID,
		"mode":            e.Mode,
		"framing":         e.Framing,
		"upstream_status": strconv.Itoa(e.UpstreamStatus),
		"reason":          e.Reason,
		"error":           e.Error,
		"frames":          strconv.Itoa(e.Frames),
		"bytes":           strconv.FormatInt(e.Bytes, 10),
		"started_at":      e.StartedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":     strconv.FormatInt(e.Duration.Milliseconds(), 10),
	}
}

// Sink persists entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Discard is a Sink that drops every entry.
type Discard struct{}

func (Discard) Append(context.Context, Entry) error { return nil }
func (Discard) Close() error                        { return nil }

// NewSink returns the Redis sink when the transcript is enabled, otherwise Discard.
func NewSink(cfg *config.Config) Sink {
	if !cfg.Transcript.Enabled {
		return Discard{}
	}
	return NewRedisSink(cfg)
}

// Log queues entries for a background writer.
type Log struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	stopped bool
	queue   chan Entry
	done    chan struct{}
	once    sync.Once
}

// NewLog creates a Log writing to sink. The metrics parameter is optional.
func NewLog(cfg *config.Config, sink Sink, logger *slog.Logger, m *metrics.Metrics) *Log {
	size := cfg.Transcript.Buffer
	if size <= 0 {
		size = 1
	}
	return &Log{
		sink:    sink,
		logger:  logger.With("component", "transcript"),
		metrics: m,
		queue:   make(chan Entry, size),
		done:    make(chan struct{}),
	}
}

// Start launches the writer. It must be called at most once.
func (l *Log) Start() {
	l.once.Do(func() { go l.run() })
}

// Record enqueues e. It never blocks: when the queue is full the entry is dropped.
func (l *Log) Record(e Entry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return
	}
	select {
	case l.queue <- e:
	default:
		if l.metrics != nil {
			l.metrics.TranscriptDropped.Inc()
		}
		l.logger.Warn("transcript queue full, entry dropped", "session_id", e.SessionID)
	}
}

// Stop stops accepting entries, waits for queued ones to be written (bounded by
// ctx) and closes the sink.
func (l *Log) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.queue)
	l.mu.Unlock()

	// Drain even if the writer was never started.
	l.once.Do(func() { go l.run() })

	var err error
	select {
	case <-l.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return errors.Join(err, l.sink.Close())
}

func (l *Log) run() {
	defer close(l.done)
	for e := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if err := l.sink.Append(ctx, e); err != nil {
			l.logger.Warn("transcript append failed", "session_id", e.SessionID, "error", err)
		}
		cancel()
	}
}
