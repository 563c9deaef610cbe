// Package stream turns upstream bodies of unknown framing into SSE streams for
// browser clients and owns the lifecycle of each relayed stream.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"assistant-relay-go/internal/config"
	"assistant-relay-go/internal/metrics"
	"assistant-relay-go/internal/model"
)

// Reason records what ended a session.
type Reason string

const (
	ReasonUpstreamEnd   Reason = "upstream_end"
	ReasonUpstreamError Reason = "upstream_error"
	ReasonClientGone    Reason = "client_disconnected"
	ReasonSetupFailed   Reason = "setup_failed"
)

type state int

const (
	stateIdle state = iota
	stateOpen
	stateClosing
	stateClosed
)

const readBufferSize = 32 * 1024

// Upstream is the borrowed upstream side of a session. Abort cancels the
// upstream request; Body is closed on teardown.
type Upstream struct {
	Body  io.ReadCloser
	Abort context.CancelFunc
}

// Summary describes a finished session.
type Summary struct {
	Reason   Reason
	Err      error
	Frames   int
	Bytes    int64
	Duration time.Duration
}

// Streamer creates sessions sharing one set of stream options.
type Streamer struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	active  atomic.Int64
}

// NewStreamer creates a Streamer from the [stream] config section.
// The metrics parameter is optional.
func NewStreamer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Streamer {
	return &Streamer{
		opts: Options{
			HeartbeatInterval: cfg.Stream.HeartbeatInterval(),
			Retry:             cfg.Stream.RetryInterval(),
			PaddingBytes:      cfg.Stream.PaddingBytes,
		},
		logger:  logger.With("component", "stream"),
		metrics: m,
	}
}

// Active returns the number of sessions currently open.
func (st *Streamer) Active() int64 {
	return st.active.Load()
}

// NewSession prepares a session relaying up to w. Nothing is written until Serve.
func (st *Streamer) NewSession(id string, w http.ResponseWriter, up Upstream) *Session {
	return &Session{
		id:       id,
		streamer: st,
		w:        NewWriter(w, st.opts, st.metrics),
		up:       up,
		logger:   st.logger.With("session_id", id),
		hbStop:   make(chan struct{}),
		hbDone:   make(chan struct{}),
		closed:   make(chan struct{}),
		created:  time.Now(),
	}
}

// Session relays one upstream body to one client as SSE.
//
// State moves idle -> open -> closing -> closed. The first of upstream end,
// upstream error, client disconnect or setup failure moves it to closing; later
// triggers are no-ops, so teardown (heartbeat stop, upstream abort, stream end)
// runs exactly once.
type Session struct {
	id       string
	streamer *Streamer
	w        *Writer
	up       Upstream
	logger   *slog.Logger
	created  time.Time

	mu        sync.Mutex
	state     state
	hbStarted bool
	reason    Reason
	err       error

	hbStop chan struct{}
	hbDone chan struct{}
	closed chan struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Serve opens the stream, relays the upstream body using the strategy for
// framing and blocks until teardown has completed. Canceling ctx (the client
// going away) closes the session and aborts the upstream.
func (s *Session) Serve(ctx context.Context, framing model.Framing) Summary {
	if err := s.open(); err != nil {
		s.Close(ReasonSetupFailed, err)
		return s.summary()
	}

	stop := context.AfterFunc(ctx, func() {
		s.Close(ReasonClientGone, context.Cause(ctx))
	})
	defer stop()

	s.pump(ctx, NewFramer(framing, s.w))
	<-s.closed
	return s.summary()
}

// Close tears the session down for reason. It reports whether this call
// performed the teardown.
func (s *Session) Close(reason Reason, err error) bool {
	s.mu.Lock()
	if s.state >= stateClosing {
		s.mu.Unlock()
		return false
	}
	wasOpen := s.state == stateOpen
	s.state = stateClosing
	s.reason, s.err = reason, err
	hbStarted := s.hbStarted
	s.mu.Unlock()

	close(s.hbStop)
	if hbStarted {
		<-s.hbDone
	}

	if s.up.Abort != nil {
		s.up.Abort()
	}
	if s.up.Body != nil {
		_ = s.up.Body.Close()
	}

	if !s.w.fail(http.StatusInternalServerError, map[string]string{
		"error":  "stream setup failed",
		"detail": errorText(err),
	}) {
		s.w.terminate(terminalFrame(reason, err))
	}

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()

	s.record(wasOpen)
	close(s.closed)
	return true
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) open() error {
	if err := s.w.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return ErrClosed
	}
	s.state = stateOpen
	s.streamer.active.Add(1)
	if s.streamer.metrics != nil {
		s.streamer.metrics.StreamsActive.Inc()
	}
	if s.streamer.opts.HeartbeatInterval > 0 {
		s.hbStarted = true
		go s.heartbeat(s.streamer.opts.HeartbeatInterval)
	}
	return nil
}

func (s *Session) heartbeat(interval time.Duration) {
	defer close(s.hbDone)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.hbStop:
			return
		case <-t.C:
			// A failed write means the client is gone; the context watcher closes the session.
			if _, err := s.w.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// pump copies the upstream body through f until it ends or fails. Read errors
// seen after ctx is done are the client leaving, not an upstream fault.
func (s *Session) pump(ctx context.Context, f Framer) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.up.Body.Read(buf)
		if n > 0 {
			if werr := f.Frame(buf[:n]); werr != nil {
				s.Close(ReasonClientGone, werr)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			if ferr := f.Finish(); ferr != nil {
				s.Close(ReasonClientGone, ferr)
				return
			}
			s.Close(ReasonUpstreamEnd, nil)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				s.Close(ReasonClientGone, context.Cause(ctx))
				return
			}
			s.Close(ReasonUpstreamError, err)
			return
		}
	}
}

func (s *Session) record(wasOpen bool) {
	frames, written := s.w.Stats()
	duration := time.Since(s.created)

	if wasOpen {
		s.streamer.active.Add(-1)
	}
	if m := s.streamer.metrics; m != nil {
		if wasOpen {
			m.StreamsActive.Dec()
		}
		m.StreamsClosed.WithLabelValues(string(s.reason)).Inc()
		m.StreamDuration.Observe(duration.Seconds())
	}

	level := slog.LevelInfo
	switch s.reason {
	case ReasonClientGone:
		level = slog.LevelDebug
	case ReasonUpstreamError, ReasonSetupFailed:
		level = slog.LevelWarn
	}
	attrs := []any{
		"reason", s.reason,
		"frames", frames,
		"bytes", written,
		"duration_ms", duration.Milliseconds(),
	}
	if s.err != nil {
		attrs = append(attrs, "err", s.err)
	}
	s.logger.Log(context.Background(), level, "stream closed", attrs...)
}

func (s *Session) summary() Summary {
	frames, written := s.w.Stats()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		Reason:   s.reason,
		Err:      s.err,
		Frames:   frames,
		Bytes:    written,
		Duration: time.Since(s.created),
	}
}

func terminalFrame(reason Reason, err error) []byte {
	switch reason {
	case ReasonUpstreamEnd:
		return []byte(":done\n\n")
	case ReasonUpstreamError, ReasonSetupFailed:
		return commentFrame("error " + errorText(err))
	default:
		return nil
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
