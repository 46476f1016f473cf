package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxFrameLine = 1024 * 1024

// Reader parses SSE events from a source io.Reader. With WithTee every raw
// line is also written verbatim to a destination, so callers can inspect
// parsed events and the exact bytes at the same time.
type Reader struct {
	scanner *bufio.Scanner
	tee     io.Writer

	// current accumulates fields for the event being built in the current scan.
	current *Event
	hasData bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithTee copies every raw line read to w.
func WithTee(w io.Writer) ReaderOption {
	return func(r *Reader) {
		r.tee = w
	}
}

// NewReader returns a Reader over src.
func NewReader(src io.Reader, opts ...ReaderOption) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxFrameLine)

	r := &Reader{
		scanner: scanner,
		current: &Event{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next blocks until a complete event is available (terminated by a blank
// line) and returns it. Comment-only frames are returned as events with
// Comment set. Next returns io.EOF once the source is exhausted.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		raw := r.scanner.Text()

		if r.tee != nil {
			// bufio.Scanner strips the newline, so reinsert it.
			if _, err := io.WriteString(r.tee, raw+"\n"); err != nil {
				return nil, err
			}
		}

		if raw == "" {
			if r.hasData || r.current.Comment != "" {
				ev := r.current
				r.reset()
				return ev, nil
			}
			continue
		}

		if comment, ok := strings.CutPrefix(raw, ":"); ok {
			if !r.hasData {
				r.current.Comment = strings.TrimPrefix(comment, " ")
			}
			continue
		}

		r.parseLine(raw)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}

	// Stream ended without a trailing blank line.
	if r.hasData {
		ev := r.current
		r.reset()
		return ev, nil
	}

	return nil, io.EOF
}

// NextData returns the data of the next event that carries data, skipping
// comment frames.
func (r *Reader) NextData() (string, error) {
	for {
		ev, err := r.Next()
		if err != nil {
			return "", err
		}
		if !ev.IsComment() {
			return ev.Data, nil
		}
	}
}

// parseLine accumulates a "field:value" line into the current event. The
// first space after the colon is optional and stripped.
func (r *Reader) parseLine(line string) {
	field, value, ok := strings.Cut(line, ":")
	if ok {
		value = strings.TrimPrefix(value, " ")
	} else {
		field = line
	}

	switch field {
	case "data":
		if r.hasData && r.current.Data != "" {
			r.current.Data += "\n"
		}
		r.current.Data += value
		r.hasData = true
	case "event":
		r.current.Type = value
		r.hasData = true
	case "id":
		r.current.ID = value
		r.hasData = true
	}

	if r.hasData {
		r.current.Comment = ""
	}
}

// reset clears the accumulated event state for the next event.
func (r *Reader) reset() {
	r.current = &Event{}
	r.hasData = false
}
