package framer_test

import (
	"encoding/json"
	"errors"
	"io"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatbridge/pkg/framer"
)

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

// scriptedReader returns one scripted step per Read call.
type scriptedReader struct {
	steps []step
}

type step struct {
	data string
	err  error
}

func (s *scriptedReader) Read(p []byte) (int, error) {
	if len(s.steps) == 0 {
		return 0, io.EOF
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	n := copy(p, st.data)
	return n, st.err
}

var _ = Describe("Reader", func() {
	Describe("Next", func() {
		It("returns exactly one message per call and retains the rest", func() {
			src := &scriptedReader{steps: []step{
				{data: "{\"status\":\"auth_required\"}\n{\"status\":\"ok\"}\n{\"type\":\"notif"},
				{data: "ication\"}\n"},
			}}
			r := framer.NewReader(src, 0)

			msg, err := r.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg)).To(Equal(`{"status":"auth_required"}`))
			Expect(r.Buffered()).To(Equal(1))

			msg, err = r.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg)).To(Equal(`{"status":"ok"}`))

			msg, err = r.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg)).To(Equal(`{"type":"notification"}`))

			_, err = r.Next()
			Expect(err).To(MatchError(io.EOF))
		})

		It("returns a parse error for an invalid line and continues afterwards", func() {
			r := framer.NewReader(&scriptedReader{steps: []step{{data: "garbage\n{\"ok\":1}\n"}}}, 0)

			_, err := r.Next()
			var perr *framer.ParseError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Line).To(Equal("garbage"))

			msg, err := r.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg)).To(Equal(`{"ok":1}`))
		})

		It("surfaces timeouts without poisoning the reader", func() {
			r := framer.NewReader(&scriptedReader{steps: []step{
				{data: `{"half":`, err: timeoutErr{}},
				{data: "1}\n"},
			}}, 0)

			_, err := r.Next()
			Expect(err).To(MatchError(timeoutErr{}))

			msg, err := r.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg)).To(Equal(`{"half":1}`))
		})

		It("delivers frames decoded alongside a fatal read error before the error", func() {
			boom := errors.New("connection reset")
			r := framer.NewReader(&scriptedReader{steps: []step{{data: "{\"last\":true}\n", err: boom}}}, 0)

			msg, err := r.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg)).To(Equal(`{"last":true}`))

			_, err = r.Next()
			Expect(err).To(MatchError(boom))
			_, err = r.Next()
			Expect(err).To(MatchError(boom))
		})
	})

	Describe("Run", func() {
		It("forwards every message in order and reports parse errors", func() {
			r := framer.NewReader(&scriptedReader{steps: []step{
				{data: "{\"n\":1}\n{bad\n{\"n\""},
				{data: ":2}\n{\"n\":3}\n"},
			}}, 0)

			var got []int
			var parseErrors int
			err := r.Run(func(msg json.RawMessage) {
				var v struct{ N int }
				Expect(json.Unmarshal(msg, &v)).To(Succeed())
				got = append(got, v.N)
			}, func(*framer.ParseError) {
				parseErrors++
			})

			Expect(err).To(MatchError(io.EOF))
			Expect(got).To(Equal([]int{1, 2, 3}))
			Expect(parseErrors).To(Equal(1))
		})

		It("stops on an overlong line", func() {
			r := framer.NewReader(&scriptedReader{steps: []step{{data: "{\"aaaaaaaaaaaaaaaa"}}}, 4)
			err := r.Run(func(json.RawMessage) {}, nil)
			Expect(err).To(MatchError(framer.ErrLineTooLong))
		})
	})
})
