package sse

import (
	"bytes"
	"io"
	"strings"
)

// WriteEvent writes data as a single event. Each line of data becomes its
// own "data:" field so embedded newlines survive the round trip. The frame
// is written with one Write call.
func WriteEvent(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteComment writes a comment-only frame, ignored by EventSource clients.
func WriteComment(w io.Writer, text string) error {
	text = strings.ReplaceAll(text, "\n", " ")
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}
