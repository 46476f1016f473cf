package framer_test

import (
	"encoding/json"
	"math/rand"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatbridge/pkg/framer"
)

// feedAll feeds chunks in order and flattens the resulting frames into
// messages (as strings) and parse-error lines.
func feedAll(f *framer.Framer, chunks ...[]byte) (msgs []string, bad []string) {
	for _, chunk := range chunks {
		frames, err := f.Feed(chunk)
		Expect(err).NotTo(HaveOccurred())
		for _, fr := range frames {
			if fr.Err != nil {
				bad = append(bad, fr.Err.Line)
				continue
			}
			msgs = append(msgs, string(fr.Message))
		}
	}
	return msgs, bad
}

const stream = `{"type":"notification","message":"welcome"}
{"type":"chat","sub_type":"public","sender":"bob","text":"hi ☃"}

{"type":"chat_history_response","messages":[{"text":"a\nb"}],"chat_type":"general","chat_name":"General"}
{"status":"ok","message":"done"}
`

var _ = Describe("Framer", func() {
	Describe("Feed", func() {
		It("decodes every complete line of a single chunk", func() {
			msgs, bad := feedAll(framer.New(0), []byte(stream))
			Expect(bad).To(BeEmpty())
			Expect(msgs).To(HaveLen(4))

			var chat map[string]any
			Expect(json.Unmarshal([]byte(msgs[1]), &chat)).To(Succeed())
			Expect(chat["sender"]).To(Equal("bob"))
			Expect(chat["text"]).To(Equal("hi ☃"))
		})

		It("keeps the trailing segment until its newline arrives", func() {
			f := framer.New(0)
			msgs, _ := feedAll(f, []byte(`{"a":1}`+"\n"+`{"b":`))
			Expect(msgs).To(Equal([]string{`{"a":1}`}))
			Expect(f.Pending()).To(Equal(len(`{"b":`)))

			msgs, _ = feedAll(f, []byte(`2}`))
			Expect(msgs).To(BeEmpty())

			msgs, _ = feedAll(f, []byte("\n"))
			Expect(msgs).To(Equal([]string{`{"b":2}`}))
			Expect(f.Pending()).To(BeZero())
		})

		It("tolerates CRLF line endings", func() {
			msgs, bad := feedAll(framer.New(0), []byte("{\"a\":1}\r\n{\"b\":2}\r\n"))
			Expect(bad).To(BeEmpty())
			Expect(msgs).To(Equal([]string{`{"a":1}`, `{"b":2}`}))
		})

		Context("chunk-boundary invariance", func() {
			var whole []string

			BeforeEach(func() {
				whole, _ = feedAll(framer.New(0), []byte(stream))
			})

			It("decodes the same sequence for every two-way split", func() {
				data := []byte(stream)
				for i := 0; i <= len(data); i++ {
					msgs, bad := feedAll(framer.New(0), data[:i], data[i:])
					Expect(bad).To(BeEmpty(), "split at %d", i)
					Expect(msgs).To(Equal(whole), "split at %d", i)
				}
			})

			It("decodes the same sequence for byte-at-a-time feeding", func() {
				f := framer.New(0)
				data := []byte(stream)
				chunks := make([][]byte, 0, len(data))
				for i := range data {
					chunks = append(chunks, data[i:i+1])
				}
				msgs, _ := feedAll(f, chunks...)
				Expect(msgs).To(Equal(whole))
			})

			It("decodes the same sequence for random splits", func() {
				rng := rand.New(rand.NewSource(42))
				data := []byte(stream)
				for range 200 {
					var chunks [][]byte
					rest := data
					for len(rest) > 0 {
						n := rng.Intn(len(rest)) + 1
						chunks = append(chunks, rest[:n])
						rest = rest[n:]
					}
					msgs, _ := feedAll(framer.New(0), chunks...)
					Expect(msgs).To(Equal(whole))
				}
			})
		})

		Context("fault isolation", func() {
			It("reports an invalid line and keeps decoding the same chunk", func() {
				msgs, bad := feedAll(framer.New(0), []byte("{\"a\":1}\nnot json\n{\"b\":2}\n"))
				Expect(bad).To(Equal([]string{"not json"}))
				Expect(msgs).To(Equal([]string{`{"a":1}`, `{"b":2}`}))
			})

			It("keeps decoding later chunks after an invalid line", func() {
				f := framer.New(0)
				msgs, bad := feedAll(f, []byte("{\"unterminated\":\n"), []byte("{\"ok\":true}\n"))
				Expect(bad).To(HaveLen(1))
				Expect(msgs).To(Equal([]string{`{"ok":true}`}))
			})

			It("exposes the offending line on the parse error", func() {
				frames, err := framer.New(0).Feed([]byte("{oops}\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(frames).To(HaveLen(1))
				Expect(frames[0].Err).To(HaveOccurred())
				Expect(frames[0].Err.Line).To(Equal("{oops}"))
				Expect(frames[0].Err.Error()).To(ContainSubstring("invalid JSON line"))
			})
		})

		Context("with a line length limit", func() {
			It("fails once the unterminated tail exceeds the limit", func() {
				f := framer.New(8)
				_, err := f.Feed([]byte(`{"a":"` + strings.Repeat("x", 16)))
				Expect(err).To(MatchError(framer.ErrLineTooLong))
			})

			It("accepts long lines that are terminated within the chunk", func() {
				f := framer.New(8)
				line := `{"a":"` + strings.Repeat("x", 16) + `"}`
				frames, err := f.Feed([]byte(line + "\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(frames).To(HaveLen(1))
			})
		})

		It("drops the tail on Reset", func() {
			f := framer.New(0)
			_, _ = f.Feed([]byte(`{"partial":`))
			f.Reset()
			Expect(f.Pending()).To(BeZero())

			msgs, _ := feedAll(f, []byte(`{"next":1}`+"\n"))
			Expect(msgs).To(Equal([]string{`{"next":1}`}))
		})
	})
})
