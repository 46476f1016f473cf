package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatbridge/pkg/eventstream"
	"github.com/papercomputeco/chatbridge/pkg/hub"
	"github.com/papercomputeco/chatbridge/pkg/logger"
	"github.com/papercomputeco/chatbridge/pkg/session"
	"github.com/papercomputeco/chatbridge/pkg/upstream"
	testutils "github.com/papercomputeco/chatbridge/pkg/utils/test"
)

// fakeConn captures the listener handler so tests can drive it.
type fakeConn struct {
	mu        sync.Mutex
	handler   *upstream.Handler
	listens   int
	listenErr error
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (f *fakeConn) Send(any) error { return nil }

func (f *fakeConn) Request(context.Context, any, upstream.RequestOptions) (json.RawMessage, error) {
	return nil, upstream.ErrTimeout
}

func (f *fakeConn) Listen(h upstream.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens++
	if f.listenErr != nil {
		return f.listenErr
	}
	f.handler = &h
	return nil
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) Listens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listens
}

func (f *fakeConn) push(msg string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	Expect(h).NotTo(BeNil())
	h.OnMessage(json.RawMessage(msg))
}

// recordingSink records messages. It fails every Send after failAfter
// messages when failAfter is positive.
type recordingSink struct {
	mu        sync.Mutex
	messages  []string
	failAfter int
	closed    int
}

func (s *recordingSink) Send(msg json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		return errors.New("write after close")
	}
	if s.failAfter > 0 && len(s.messages) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.messages = append(s.messages, string(msg))
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *recordingSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *recordingSink) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*eventstream.Event
}

func (r *recordingEvents) Enqueue(e *eventstream.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recordingEvents) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.EventType)
	}
	return types
}

var _ = Describe("Hub", func() {
	var (
		reg    *session.Registry
		events *recordingEvents
		h      *hub.Hub
		conn   *fakeConn
		sess   *session.Session
	)

	BeforeEach(func() {
		reg = session.NewRegistry()
		events = &recordingEvents{}
		h = hub.New(hub.Config{Registry: reg, Events: events, Logger: logger.Nop()})
		conn = newFakeConn()
		sess = reg.Create(conn, "alice")
	})

	AfterEach(func() {
		h.Shutdown()
	})

	Describe("AddSubscriber", func() {
		It("attaches exactly one listener however many subscribers arrive", func() {
			var wg sync.WaitGroup
			for range 10 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := h.AddSubscriber(sess, &recordingSink{})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			Expect(conn.Listens()).To(Equal(1))
			Expect(h.Subscribers(sess.ID)).To(Equal(10))
		})

		It("refuses subscribers once the session has ended", func() {
			Expect(h.EndSession(sess, hub.MessageDisconnected)).To(BeTrue())
			_, err := h.AddSubscriber(sess, &recordingSink{})
			Expect(err).To(MatchError(hub.ErrSessionEnded))
		})

		It("ends the session when the listener cannot attach", func() {
			conn.listenErr = upstream.ErrClosed
			sink := &recordingSink{}

			_, err := h.AddSubscriber(sess, sink)
			Expect(err).To(MatchError(hub.ErrSessionEnded))
			Expect(sink.Closed()).To(Equal(1))
			_, err = reg.Authorize(sess.ID)
			Expect(err).To(MatchError(session.ErrUnauthorized))
		})
	})

	Describe("Broadcast", func() {
		It("delivers every message to every subscriber in order", func() {
			a, b := &recordingSink{}, &recordingSink{}
			_, err := h.AddSubscriber(sess, a)
			Expect(err).NotTo(HaveOccurred())
			_, err = h.AddSubscriber(sess, b)
			Expect(err).NotTo(HaveOccurred())

			for i := 1; i <= 3; i++ {
				conn.push(fmt.Sprintf(`{"type":"chat","text":"%d"}`, i))
			}

			want := []string{`{"type":"chat","text":"1"}`, `{"type":"chat","text":"2"}`, `{"type":"chat","text":"3"}`}
			Expect(a.Messages()).To(Equal(want))
			Expect(b.Messages()).To(Equal(want))
			Expect(events.Types()).To(ContainElement(eventstream.EventTypeMessagePushed))
		})

		It("removes a failing sink without affecting the others", func() {
			first, broken, last := &recordingSink{}, &recordingSink{failAfter: 1}, &recordingSink{}
			for _, s := range []*recordingSink{first, broken, last} {
				_, err := h.AddSubscriber(sess, s)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(h.Broadcast(sess.ID, json.RawMessage(`{"n":1}`))).To(Equal(3))
			Expect(h.Broadcast(sess.ID, json.RawMessage(`{"n":2}`))).To(Equal(2))
			Expect(h.Broadcast(sess.ID, json.RawMessage(`{"n":3}`))).To(Equal(2))

			Expect(first.Messages()).To(Equal([]string{`{"n":1}`, `{"n":2}`, `{"n":3}`}))
			Expect(last.Messages()).To(Equal([]string{`{"n":1}`, `{"n":2}`, `{"n":3}`}))
			Expect(broken.Messages()).To(Equal([]string{`{"n":1}`}))
			Expect(broken.Closed()).To(Equal(1))
			Expect(h.Subscribers(sess.ID)).To(Equal(2))
		})

		It("does not write to a removed subscriber", func() {
			sink := &recordingSink{}
			sub, err := h.AddSubscriber(sess, sink)
			Expect(err).NotTo(HaveOccurred())

			sub.Remove()
			sub.Remove()
			h.RemoveSubscriber(sub)

			Expect(h.Broadcast(sess.ID, json.RawMessage(`{"n":1}`))).To(BeZero())
			Expect(sink.Messages()).To(BeEmpty())
			Expect(sink.Closed()).To(Equal(1))
			Expect(sub.Removed()).To(BeTrue())
		})

		It("is a no-op for sessions without subscribers", func() {
			Expect(h.Broadcast("unknown", json.RawMessage(`{}`))).To(BeZero())
		})
	})

	Describe("EndSession", func() {
		It("sends a final notification, clears subscribers and removes the session", func() {
			sink := &recordingSink{}
			_, err := h.AddSubscriber(sess, sink)
			Expect(err).NotTo(HaveOccurred())

			Expect(h.EndSession(sess, hub.MessageDisconnected)).To(BeTrue())
			Expect(h.EndSession(sess, hub.MessageDisconnected)).To(BeFalse())

			msgs := sink.Messages()
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0]).To(MatchJSON(`{"type":"notification","message":"You have been disconnected from the chat"}`))
			Expect(sink.Closed()).To(Equal(1))
			Expect(h.Subscribers(sess.ID)).To(BeZero())
			Expect(reg.Len()).To(BeZero())
			Expect(conn.Done()).To(BeClosed())
			Expect(events.Types()).To(ContainElement(eventstream.EventTypeSessionClosed))
		})

		It("runs when the upstream listener reports close", func() {
			sink := &recordingSink{}
			_, err := h.AddSubscriber(sess, sink)
			Expect(err).NotTo(HaveOccurred())

			conn.handler.OnClose(errors.New("EOF"))

			Expect(sink.Messages()).To(ConsistOf(ContainSubstring(hub.MessageConnectionLost)))
			Expect(reg.Len()).To(BeZero())
		})

		It("uses the recorded close reason when the upstream closes", func() {
			sink := &recordingSink{}
			_, err := h.AddSubscriber(sess, sink)
			Expect(err).NotTo(HaveOccurred())

			sess.SetCloseReason(hub.MessageDisconnected)
			conn.handler.OnClose(errors.New("EOF"))

			Expect(sink.Messages()).To(ConsistOf(ContainSubstring(hub.MessageDisconnected)))
		})

		It("runs when an unsubscribed session's connection closes", func() {
			h.Open(sess)
			Expect(events.Types()).To(ContainElement(eventstream.EventTypeSessionOpened))

			Expect(conn.Close()).To(Succeed())
			Eventually(reg.Len).Should(BeZero())
			Eventually(sess.Ended).Should(BeTrue())
		})
	})

	Describe("with a real upstream connection", func() {
		It("fans pushed lines out to two subscribers in the same order", func() {
			backend, err := testutils.NewBackend(testutils.BackendOptions{})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(backend.Close)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			uc, err := upstream.Dial(ctx, backend.Addr(), upstream.Options{Logger: logger.Nop()})
			Expect(err).NotTo(HaveOccurred())
			reply, err := uc.Handshake(ctx, upstream.Command{Command: upstream.CommandRegister, Username: "bob", Password: "p"})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.OK()).To(BeTrue())

			live := reg.Create(uc, "bob")
			h.Open(live)

			a, b := &recordingSink{}, &recordingSink{}
			_, err = h.AddSubscriber(live, a)
			Expect(err).NotTo(HaveOccurred())
			_, err = h.AddSubscriber(live, b)
			Expect(err).NotTo(HaveOccurred())

			server := backend.Conn("bob")
			for i := 1; i <= 3; i++ {
				Expect(server.Push(map[string]any{"type": "chat", "sub_type": "public", "sender": "carol", "text": fmt.Sprint(i)})).To(Succeed())
			}

			Eventually(a.Messages).Should(HaveLen(3))
			Eventually(b.Messages).Should(HaveLen(3))
			Expect(a.Messages()).To(Equal(b.Messages()))
			Expect(a.Messages()[2]).To(ContainSubstring(`"text":"3"`))

			Expect(server.Close()).To(Succeed())
			Eventually(a.Messages).Should(HaveLen(4))
			Expect(a.Messages()[3]).To(ContainSubstring(hub.MessageConnectionLost))
			Eventually(func() error {
				_, err := reg.Authorize(live.ID)
				return err
			}).Should(MatchError(session.ErrUnauthorized))
		})
	})
})
