package stream

import (
	"strings"

	"assistant-relay-go/internal/model"
)

// Framer converts upstream body chunks into frames on a Writer.
type Framer interface {
	// Frame handles one chunk as it arrives from upstream.
	Frame(chunk []byte) error
	// Finish is called once after the upstream body ended cleanly.
	Finish() error
}

// NewFramer picks the strategy matching the upstream framing.
func NewFramer(framing model.Framing, w *Writer) Framer {
	if framing == model.FramingSSE {
		return &passthroughFramer{w: w}
	}
	return &lineFramer{w: w}
}

// passthroughFramer forwards upstream SSE bytes verbatim.
type passthroughFramer struct {
	w *Writer
}

func (f *passthroughFramer) Frame(chunk []byte) error { return f.w.SendRaw(chunk) }

func (f *passthroughFramer) Finish() error { return nil }

// lineFramer emits one data event per non-blank upstream line.
type lineFramer struct {
	w     *Writer
	lines LineReassembler
}

func (f *lineFramer) Frame(chunk []byte) error {
	for _, line := range f.lines.Feed(chunk) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := f.w.SendData(line); err != nil {
			return err
		}
	}
	return nil
}

func (f *lineFramer) Finish() error {
	if last, ok := f.lines.Flush(); ok {
		return f.w.SendData(last)
	}
	return nil
}
