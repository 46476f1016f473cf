package kafka

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/chatbridge/pkg/eventstream"
)

type recordingWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

var _ = Describe("Publisher", func() {
	var (
		w *recordingWriter
		p *Publisher
	)

	BeforeEach(func() {
		w = &recordingWriter{}
		p = newPublisher(w, "chatbridge.events", nil)
	})

	It("validates its configuration", func() {
		_, err := NewPublisher(Config{Topic: "t"})
		Expect(err).To(MatchError(ErrNoBrokers))

		_, err = NewPublisher(Config{Brokers: []string{"localhost:9092"}})
		Expect(err).To(MatchError(ErrNoTopic))

		pub, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "t"})
		Expect(err).NotTo(HaveOccurred())
		Expect(pub.Close()).To(Succeed())
	})

	It("returns ErrNilEvent for nil events", func() {
		Expect(p.Publish(context.Background(), nil)).To(MatchError(eventstream.ErrNilEvent))
		Expect(w.messages).To(BeEmpty())
	})

	It("writes the event as JSON keyed by username", func() {
		event, err := eventstream.NewEvent(eventstream.EventTypeMessagePushed, "alice",
			json.RawMessage(`{"type":"chat","text":"hi"}`))
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Publish(context.Background(), event)).To(Succeed())
		Expect(w.messages).To(HaveLen(1))

		msg := w.messages[0]
		Expect(string(msg.Key)).To(Equal("alice"))
		Expect(msg.Time).To(Equal(event.EmittedAt))
		Expect(msg.Headers).To(ContainElement(kafkago.Header{Key: "event_type", Value: []byte("chatbridge.message.pushed")}))

		var decoded eventstream.Event
		Expect(json.Unmarshal(msg.Value, &decoded)).To(Succeed())
		Expect(decoded.EventID).To(Equal(event.EventID))
		Expect(string(decoded.Payload)).To(MatchJSON(`{"type":"chat","text":"hi"}`))
	})

	It("wraps writer failures", func() {
		w.err = errors.New("broker unavailable")
		event, err := eventstream.NewEvent(eventstream.EventTypeSessionOpened, "alice", nil)
		Expect(err).NotTo(HaveOccurred())

		err = p.Publish(context.Background(), event)
		Expect(err).To(MatchError(ContainSubstring("broker unavailable")))
		Expect(err).To(MatchError(ContainSubstring("chatbridge.events")))
	})

	It("closes the writer", func() {
		Expect(p.Close()).To(Succeed())
		Expect(w.closed).To(BeTrue())
	})

	It("rejects events after Close", func() {
		Expect(p.Close()).To(Succeed())
		Expect(p.Close()).To(Succeed())

		err := p.Publish(context.Background(), &eventstream.Event{Username: "alice"})
		Expect(err).To(MatchError(eventstream.ErrPublisherClosed))
		Expect(w.messages).To(BeEmpty())
	})
})
