// Package framer decodes a byte stream of newline-delimited JSON messages.
//
// A Framer accumulates bytes across arbitrary chunk boundaries and yields one
// Frame per complete, non-blank line. A line that is not valid JSON yields a
// Frame carrying a *ParseError and does not affect the lines around it. The
// trailing, unterminated segment is retained until its newline arrives.
//
// Reader binds a Framer to an io.Reader for the lifetime of a connection and
// offers the two consumption modes used by the bridge: Next reads exactly one
// message and returns control to the caller, Run forwards every message to a
// sink until the source fails.
package framer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/papercomputeco/chatbridge/pkg/utils"
)

// DefaultMaxLineBytes bounds the unterminated tail a Framer will hold.
const DefaultMaxLineBytes = 1024 * 1024

// ErrLineTooLong is returned when the unterminated tail grows past the
// configured maximum. The stream cannot be resynchronized after this.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// ParseError reports a complete line that is not valid JSON.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid JSON line %q: %v", utils.Truncate(e.Line, 120), e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Frame is the outcome of decoding one complete line: either Message or Err
// is set.
type Frame struct {
	Message json.RawMessage
	Err     *ParseError
}

// Framer splits a byte stream on '\n' and decodes each line as JSON.
// It is not safe for concurrent use.
type Framer struct {
	buf     []byte
	maxLine int
}

// New returns a Framer. A maxLine of zero uses DefaultMaxLineBytes; a
// negative value disables the limit.
func New(maxLine int) *Framer {
	if maxLine == 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Framer{maxLine: maxLine}
}

// Feed appends chunk to the internal buffer and returns a Frame for every
// complete line now available, in stream order. Blank lines are skipped.
func (f *Framer) Feed(chunk []byte) ([]Frame, error) {
	f.buf = append(f.buf, chunk...)

	var frames []Frame
	rest := f.buf
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}

		line := bytes.TrimSpace(rest[:idx])
		rest = rest[idx+1:]
		if len(line) == 0 {
			continue
		}

		var msg json.RawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			frames = append(frames, Frame{Err: &ParseError{Line: string(line), Err: err}})
			continue
		}
		frames = append(frames, Frame{Message: msg})
	}

	n := copy(f.buf, rest)
	f.buf = f.buf[:n]

	if f.maxLine > 0 && len(f.buf) > f.maxLine {
		return frames, fmt.Errorf("%w: %d bytes buffered without newline", ErrLineTooLong, len(f.buf))
	}

	return frames, nil
}

// Pending returns the number of buffered bytes of the incomplete tail.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset discards the incomplete tail.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
