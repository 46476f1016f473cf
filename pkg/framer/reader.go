package framer

import (
	"encoding/json"
	"errors"
	"io"
)

const readChunkSize = 4096

// Reader decodes messages from src with a Framer whose state persists across
// calls, so lines that arrive together with an earlier reply are kept for
// the next caller instead of being lost.
//
// Reader is not safe for concurrent use; callers serialize access.
type Reader struct {
	src    io.Reader
	framer *Framer
	queue  []Frame
	chunk  []byte

	// err is sticky once the source fails or the framer overflows. Frames
	// decoded before the failure are still delivered first.
	err error
}

// NewReader returns a Reader over src. maxLine follows New.
func NewReader(src io.Reader, maxLine int) *Reader {
	return &Reader{
		src:    src,
		framer: New(maxLine),
		chunk:  make([]byte, readChunkSize),
	}
}

// Next blocks until the next complete line is available and returns its
// decoded value. A line that is not valid JSON is consumed and returned as a
// *ParseError. Timeout errors from the source (read deadlines) are returned
// without poisoning the Reader.
func (r *Reader) Next() (json.RawMessage, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			return nil, r.err
		}

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			frames, ferr := r.framer.Feed(r.chunk[:n])
			r.queue = append(r.queue, frames...)
			if ferr != nil {
				r.err = ferr
			}
		}

		if err != nil {
			if isTimeout(err) {
				if len(r.queue) == 0 {
					return nil, err
				}
				break
			}
			r.err = err
		}
	}

	f := r.queue[0]
	r.queue[0] = Frame{}
	r.queue = r.queue[1:]

	if f.Err != nil {
		return nil, f.Err
	}
	return f.Message, nil
}

// Run decodes continuously, handing every message to sink in stream order.
// Parse errors are reported to onParseError (which may be nil) and decoding
// continues. Run returns the first non-parse error, io.EOF included.
func (r *Reader) Run(sink func(json.RawMessage), onParseError func(*ParseError)) error {
	for {
		msg, err := r.Next()
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				if onParseError != nil {
					onParseError(perr)
				}
				continue
			}
			return err
		}
		sink(msg)
	}
}

// DiscardPartial drops the incomplete tail, keeping already decoded frames.
func (r *Reader) DiscardPartial() {
	r.framer.Reset()
}

// Buffered returns the number of decoded frames not yet consumed.
func (r *Reader) Buffered() int {
	return len(r.queue)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
