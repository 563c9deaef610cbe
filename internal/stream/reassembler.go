package stream

import (
	"bytes"
	"strings"
)

// LineReassembler turns byte chunks with arbitrary boundaries into complete lines.
// A line is only returned once its "\n" (or "\r\n") delimiter has been seen; the
// unterminated tail is carried into the next Feed. One instance serves one stream.
type LineReassembler struct {
	carry []byte
}

// Feed appends chunk to the carried fragment and returns every line it completes,
// without delimiters. Lines are not trimmed and may be empty.
func (r *LineReassembler) Feed(chunk []byte) []string {
	r.carry = append(r.carry, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(r.carry, '\n')
		if i < 0 {
			break
		}
		line := r.carry[:i]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		lines = append(lines, string(line))
		r.carry = r.carry[i+1:]
	}

	// Compact so a long-lived stream does not pin its consumed prefix.
	if len(r.carry) == 0 {
		r.carry = nil
	} else if cap(r.carry) > 4*len(r.carry)+4096 {
		r.carry = append([]byte(nil), r.carry...)
	}
	return lines
}

// Flush returns the carried fragment, trimmed, if anything but whitespace remains.
// It is called once, at end of stream.
func (r *LineReassembler) Flush() (string, bool) {
	rest := strings.TrimSpace(string(r.carry))
	r.carry = nil
	return rest, rest != ""
}
