package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"assistant-relay-go/internal/metrics"
)

var (
	// ErrClosed is returned for writes after the stream has ended.
	ErrClosed = errors.New("stream: closed")
	// ErrStreamingUnsupported is returned when the response writer cannot flush.
	ErrStreamingUnsupported = errors.New("stream: response writer does not support flushing")
)

// Frame kinds used as metric labels.
const (
	kindPreamble  = "preamble"
	kindData      = "data"
	kindComment   = "comment"
	kindHeartbeat = "heartbeat"
	kindRaw       = "raw"
)

// Options tunes the SSE framing written to clients.
type Options struct {
	HeartbeatInterval time.Duration
	Retry             time.Duration
	PaddingBytes      int
}

// Writer owns every byte written to one SSE client. Its methods are safe for
// concurrent use; each frame is written and flushed under one lock so frames
// from the heartbeat never interleave with data.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	opts    Options
	metrics *metrics.Metrics

	started bool
	ended   bool

	// tail holds the last bytes written, used to tell whether the output currently
	// sits between two events.
	tail   []byte
	frames int
	bytes  int64
}

// NewWriter wraps w. The metrics parameter is optional.
func NewWriter(w http.ResponseWriter, opts Options, m *metrics.Metrics) *Writer {
	return &Writer{w: w, opts: opts, metrics: m}
}

// Start sends the SSE response headers and the anti-buffering preamble.
func (s *Writer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.ended {
		return ErrClosed
	}
	if !flushable(s.w) {
		return ErrStreamingUnsupported
	}
	s.rc = http.NewResponseController(s.w)

	h := s.w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Content-Encoding", "identity")
	s.w.WriteHeader(http.StatusOK)
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("stream: flush headers: %w", err)
	}
	s.started = true

	var b bytes.Buffer
	b.WriteByte(':')
	b.WriteString(strings.Repeat(" ", s.opts.PaddingBytes))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "retry: %d\n\n", s.opts.Retry.Milliseconds())
	b.WriteString(":ok\n\n")
	return s.writeLocked(kindPreamble, b.Bytes())
}

// SendData writes one event carrying payload. Embedded newlines become
// additional data lines of the same event.
func (s *Writer) SendData(payload string) error {
	var b strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(payload, "\r\n", "\n"), "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(kindData, []byte(b.String()))
}

// SendComment writes a comment frame. Line breaks in text are flattened.
func (s *Writer) SendComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(kindComment, commentFrame(text))
}

// SendRaw relays bytes that are already SSE-framed, unmodified.
func (s *Writer) SendRaw(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(kindRaw, p)
}

// Heartbeat writes a ":hb" comment if the output is at an event boundary.
// It reports whether a frame was written.
func (s *Writer) Heartbeat() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.atBoundaryLocked() {
		return false, nil
	}
	if err := s.writeLocked(kindHeartbeat, []byte(":hb\n\n")); err != nil {
		return false, err
	}
	return true, nil
}

// End marks the stream finished. Later writes return ErrClosed. Safe to call twice.
func (s *Writer) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	if s.rc != nil {
		_ = s.rc.Flush()
	}
}

// Started reports whether response headers have been sent.
func (s *Writer) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stats returns the number of frames and bytes written so far.
func (s *Writer) Stats() (frames int, written int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.bytes
}

// terminate writes a final frame (if any) and ends the stream in one critical
// section so nothing can slip in between. If relayed bytes stopped partway
// through a line, the line is closed first so the frame is parsed as a comment.
func (s *Writer) terminate(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.started && len(frame) > 0 {
		if !s.atLineStartLocked() {
			frame = append([]byte("\n"), frame...)
		}
		_ = s.writeLocked(kindComment, frame)
	}
	s.ended = true
}

// fail answers with a JSON error when no stream header has gone out yet.
// It returns false if headers were already sent.
func (s *Writer) fail(status int, body map[string]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.ended {
		return false
	}
	s.ended = true
	s.w.Header().Set("Content-Type", "application/json")
	s.w.WriteHeader(status)
	_ = json.NewEncoder(s.w).Encode(body)
	return true
}

func (s *Writer) writeLocked(kind string, p []byte) error {
	if s.ended {
		return ErrClosed
	}
	if !s.started {
		return errors.New("stream: write before start")
	}
	n, err := s.w.Write(p)
	s.bytes += int64(n)
	s.remember(p[:n])
	if err != nil {
		return fmt.Errorf("stream: write %s frame: %w", kind, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("stream: flush %s frame: %w", kind, err)
	}
	s.frames++

	if s.metrics != nil {
		s.metrics.StreamFrames.WithLabelValues(kind).Inc()
		s.metrics.StreamBytes.Add(float64(n))
	}
	return nil
}

func (s *Writer) remember(p []byte) {
	const keep = 4
	if len(p) >= keep {
		s.tail = append(s.tail[:0], p[len(p)-keep:]...)
		return
	}
	s.tail = append(s.tail, p...)
	if len(s.tail) > keep {
		s.tail = s.tail[len(s.tail)-keep:]
	}
}

func (s *Writer) atBoundaryLocked() bool {
	return bytes.HasSuffix(s.tail, []byte("\n\n")) ||
		bytes.HasSuffix(s.tail, []byte("\r\n\r\n")) ||
		bytes.HasSuffix(s.tail, []byte("\r\r"))
}

// atLineStartLocked reports whether the next byte written starts a new line.
func (s *Writer) atLineStartLocked() bool {
	if len(s.tail) == 0 {
		return true
	}
	last := s.tail[len(s.tail)-1]
	return last == '\n' || last == '\r'
}

// flushable reports whether the innermost writer under w can flush. Wrappers
// such as echo's Response always implement http.Flusher and panic when the
// writer they wrap cannot flush, so the check looks through Unwrap.
func flushable(w http.ResponseWriter) bool {
	for {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			break
		}
		w = u.Unwrap()
	}
	switch w.(type) {
	case http.Flusher, interface{ FlushError() error }:
		return true
	default:
		return false
	}
}

func commentFrame(text string) []byte {
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	return []byte(":" + text + "\n\n")
}
