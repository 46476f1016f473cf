package sse

import (
	"bytes"
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Reader", func() {
	var dst *bytes.Buffer

	BeforeEach(func() {
		dst = &bytes.Buffer{}
	})

	Describe("Next", func() {
		Context("with data events", func() {
			It("parses a single event", func() {
				r := NewReader(strings.NewReader("data: {\"type\":\"connected\"}\n\n"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal(`{"type":"connected"}`))
				Expect(ev.Type).To(BeEmpty())
				Expect(ev.ID).To(BeEmpty())
				Expect(ev.IsComment()).To(BeFalse())

				_, err = r.Next()
				Expect(err).To(MatchError(io.EOF))
			})

			It("parses multiple events", func() {
				r := NewReader(strings.NewReader("data: first\n\ndata: second\n\n"))

				ev1, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev1.Data).To(Equal("first"))

				ev2, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev2.Data).To(Equal("second"))

				_, err = r.Next()
				Expect(err).To(MatchError(io.EOF))
			})

			It("parses event type and ID", func() {
				r := NewReader(strings.NewReader("event: chat\nid: 42\ndata: hello\n\n"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Type).To(Equal("chat"))
				Expect(ev.ID).To(Equal("42"))
				Expect(ev.Data).To(Equal("hello"))
			})

			It("joins multiple data lines with newline", func() {
				r := NewReader(strings.NewReader("data: line one\ndata: line two\n\n"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("line one\nline two"))
			})

			It("handles data fields without a space or value", func() {
				r := NewReader(strings.NewReader("data:no-space\n\ndata:\n\ndata\n\n"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("no-space"))

				ev, err = r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(BeEmpty())

				ev, err = r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(BeEmpty())
			})
		})

		Context("with comments", func() {
			It("returns comment-only frames as comment events", func() {
				r := NewReader(strings.NewReader(": keepalive\n\ndata: hello\n\n"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.IsComment()).To(BeTrue())
				Expect(ev.Comment).To(Equal("keepalive"))

				ev, err = r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("hello"))
				Expect(ev.Comment).To(BeEmpty())
			})

			It("drops comments that share a frame with data", func() {
				r := NewReader(strings.NewReader(": note\ndata: hello\n\n"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("hello"))
				Expect(ev.IsComment()).To(BeFalse())
			})

			It("skips comment frames in NextData", func() {
				r := NewReader(strings.NewReader(": keepalive\n\n: keepalive\n\ndata: {\"n\":1}\n\n"))

				data, err := r.NextData()
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal(`{"n":1}`))

				_, err = r.NextData()
				Expect(err).To(MatchError(io.EOF))
			})
		})

		Context("with a tee", func() {
			It("copies the exact bytes to the destination", func() {
				input := "data: {\"type\":\"connected\"}\n\n: keepalive\n\ndata: second\n\n"
				r := NewReader(strings.NewReader(input), WithTee(dst))

				for range 3 {
					_, err := r.Next()
					Expect(err).NotTo(HaveOccurred())
				}
				Expect(dst.String()).To(Equal(input))
			})
		})

		Context("edge cases", func() {
			It("returns EOF on empty input and on blank lines only", func() {
				_, err := NewReader(strings.NewReader("")).Next()
				Expect(err).To(MatchError(io.EOF))

				_, err = NewReader(strings.NewReader("\n\n\n")).Next()
				Expect(err).To(MatchError(io.EOF))
			})

			It("yields an event when the stream ends without a blank line", func() {
				r := NewReader(strings.NewReader("data: unterminated"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("unterminated"))

				_, err = r.Next()
				Expect(err).To(MatchError(io.EOF))
			})

			It("ignores unknown fields", func() {
				r := NewReader(strings.NewReader("retry: 3000\nfoo: bar\ndata: hello\n\n"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("hello"))
			})
		})
	})
})
