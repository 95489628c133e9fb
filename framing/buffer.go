// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package framing implements the delimiter-based accumulate/extract buffer
// used by the stream and WebSocket transports to turn an arbitrary sequence
// of byte reads into a sequence of complete JSON-RPC frames.
//
// A single network read may contain zero, one, a fraction of one, or many
// logical messages. Buffer accumulates bytes across reads and yields only
// the complete frames it has seen so far, retaining any undelimited
// remainder for the next call.
package framing

import "bytes"

// A Buffer accumulates bytes pushed from a stream and splits them into
// frames on a configured delimiter. The zero value is not usable; construct
// one with New.
//
// A Buffer is not safe for concurrent use; callers that share one across
// goroutines must serialize access themselves.
type Buffer struct {
	delim []byte
	data  []byte
}

// New returns a Buffer that splits on delim. If delim is empty, it defaults
// to a single newline, matching the stream transport's default framing.
func New(delim []byte) *Buffer {
	d := delim
	if len(d) == 0 {
		d = []byte{'\n'}
	}
	return &Buffer{delim: d}
}

// Push appends chunk to the buffer. When no partial frame is buffered,
// leading whitespace on chunk is trimmed before it is concatenated, so that
// stray inter-message padding emitted by a peer (for example a keepalive
// newline) does not accumulate into the next frame. A chunk that continues a
// partial frame is appended unchanged, so the frames extracted do not depend
// on where the stream was split into chunks.
func (b *Buffer) Push(chunk []byte) {
	if len(b.data) == 0 {
		chunk = trimLeadingSpace(chunk)
	}
	b.data = append(b.data, chunk...)
}

// Extract splits the accumulated bytes on the delimiter and returns every
// complete frame seen so far, in order. Empty frames (two delimiters in a
// row, or a delimiter at the very start) are discarded. Any trailing
// fragment that has not yet been terminated by a delimiter remains in the
// buffer for the next Push/Extract cycle.
//
// Invariant: after Extract returns, b.Pending() holds at most one partial
// frame (it never contains a delimiter).
func (b *Buffer) Extract() [][]byte {
	var out [][]byte
	for {
		i := bytes.Index(b.data, b.delim)
		if i < 0 {
			break
		}
		frame := b.data[:i]
		b.data = b.data[i+len(b.delim):]
		if len(frame) != 0 {
			out = append(out, frame)
		}
	}
	return out
}

// Pending returns the bytes currently buffered that have not yet been
// terminated by a delimiter. The returned slice aliases the buffer's
// internal storage and must not be retained past the next Push or Extract.
func (b *Buffer) Pending() []byte { return b.data }

// Reset discards any buffered content.
func (b *Buffer) Reset() { b.data = nil }

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	return b[i:]
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}
