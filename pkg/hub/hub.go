// Package hub fans messages pushed by the chat backend out to every open
// event stream of a session.
//
// The upstream listener of a session is attached lazily, when its first
// subscriber arrives, and is shared by all later subscribers. When the
// upstream connection ends, subscribers get a final notification and the
// session is torn down.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/papercomputeco/chatbridge/pkg/eventstream"
	"github.com/papercomputeco/chatbridge/pkg/framer"
	"github.com/papercomputeco/chatbridge/pkg/logger"
	"github.com/papercomputeco/chatbridge/pkg/session"
	"github.com/papercomputeco/chatbridge/pkg/upstream"
)

// Terminal notification texts.
const (
	MessageConnectionLost = "Connection to the chat server was lost"
	MessageDisconnected   = "You have been disconnected from the chat"
	MessageShutdown       = "The chat bridge is shutting down"
)

// ErrSessionEnded is returned when subscribing to a session that has been
// torn down.
var ErrSessionEnded = errors.New("session has ended")

// Sink is one downstream stream. Send must not block; an error means the
// sink is gone. Close may be called more than once.
type Sink interface {
	Send(msg json.RawMessage) error
	Close()
}

// Enqueuer accepts events for asynchronous publishing.
type Enqueuer interface {
	Enqueue(event *eventstream.Event) bool
}

// Subscription is a registered sink.
type Subscription struct {
	hub     *Hub
	session *session.Session
	sink    Sink

	mu      sync.Mutex
	removed bool
}

// Remove deregisters the subscription. It is safe to call more than once.
func (s *Subscription) Remove() {
	s.hub.RemoveSubscriber(s)
}

// Removed reports whether the subscription has been removed.
func (s *Subscription) Removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// deliver sends msg unless the subscription was removed. Holding mu across
// Send guarantees that no write happens after removal completes.
func (s *Subscription) deliver(msg json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false, nil
	}
	if err := s.sink.Send(msg); err != nil {
		return false, err
	}
	return true, nil
}

// Config configures a Hub.
type Config struct {
	Registry *session.Registry

	// Events receives session and push events. Optional.
	Events Enqueuer

	Logger *slog.Logger
}

// Hub tracks the subscribers of every session.
type Hub struct {
	registry *session.Registry
	events   Enqueuer
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string][]*Subscription

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Hub.
func New(c Config) *Hub {
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return &Hub{
		registry: c.Registry,
		events:   c.Events,
		logger:   c.Logger.With("component", "hub"),
		subs:     make(map[string][]*Subscription),
		done:     make(chan struct{}),
	}
}

// Open starts tracking a newly created session: the session is torn down
// when its upstream connection closes, even if nobody is subscribed.
func (h *Hub) Open(sess *session.Session) {
	h.publish(eventstream.EventTypeSessionOpened, sess, eventstream.SessionPayload{Session: sess.ShortID()})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-sess.Conn.Done():
			h.EndSession(sess, sess.CloseReason(MessageConnectionLost))
		case <-h.done:
		}
	}()
}

// AddSubscriber registers sink for sess and attaches the upstream listener
// if this is the session's first subscriber.
func (h *Hub) AddSubscriber(sess *session.Session, sink Sink) (*Subscription, error) {
	sub := &Subscription{hub: h, session: sess, sink: sink}

	h.mu.Lock()
	if sess.Ended() {
		h.mu.Unlock()
		return nil, ErrSessionEnded
	}
	h.subs[sess.ID] = append(h.subs[sess.ID], sub)
	count := len(h.subs[sess.ID])
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "username", sess.Username, "session", sess.ShortID(), "subscribers", count)

	if sess.MarkListening() {
		err := sess.Conn.Listen(upstream.Handler{
			OnMessage: func(msg json.RawMessage) {
				h.Broadcast(sess.ID, msg)
				h.publish(eventstream.EventTypeMessagePushed, sess, msg)
			},
			OnParseError: func(perr *framer.ParseError) {
				h.logger.Warn("malformed upstream line",
					"username", sess.Username,
					"session", sess.ShortID(),
					"error", perr,
				)
			},
			OnClose: func(err error) {
				h.logger.Info("upstream connection closed",
					"username", sess.Username,
					"session", sess.ShortID(),
					"error", err,
				)
				h.EndSession(sess, sess.CloseReason(MessageConnectionLost))
			},
		})
		if err != nil {
			h.logger.Error("attaching upstream listener failed",
				"username", sess.Username,
				"session", sess.ShortID(),
				"error", err,
			)
			h.EndSession(sess, MessageConnectionLost)
			return nil, ErrSessionEnded
		}
		h.logger.Debug("upstream listener attached", "username", sess.Username, "session", sess.ShortID())
	}

	return sub, nil
}

// RemoveSubscriber deregisters sub and closes its sink. Removing an absent
// subscriber is a no-op.
func (h *Hub) RemoveSubscriber(sub *Subscription) {
	if sub == nil {
		return
	}

	sub.mu.Lock()
	if sub.removed {
		sub.mu.Unlock()
		return
	}
	sub.removed = true
	sub.mu.Unlock()

	id := sub.session.ID
	h.mu.Lock()
	list := h.subs[id]
	for i, s := range list {
		if s == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.subs, id)
	} else {
		h.subs[id] = list
	}
	h.mu.Unlock()

	sub.sink.Close()
	h.logger.Debug("subscriber removed", "username", sub.session.Username, "session", sub.session.ShortID())
}

// Broadcast delivers msg to every subscriber of the session in registration
// order and returns how many accepted it. Subscribers whose sink fails are
// removed; the others still receive msg.
func (h *Hub) Broadcast(sessionID string, msg json.RawMessage) int {
	h.mu.Lock()
	list := append([]*Subscription(nil), h.subs[sessionID]...)
	h.mu.Unlock()

	delivered := 0
	for _, sub := range list {
		sent, err := sub.deliver(msg)
		if err != nil {
			h.logger.Warn("dropping subscriber after failed delivery",
				"username", sub.session.Username,
				"session", sub.session.ShortID(),
				"error", err,
			)
			h.RemoveSubscriber(sub)
			continue
		}
		if sent {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of subscribers of the session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// EndSession tears sess down once: subscribers receive a final notification
// carrying message and are removed, the session leaves the registry and its
// upstream connection is closed. It reports whether this call did the work.
func (h *Hub) EndSession(sess *session.Session, message string) bool {
	if !sess.End() {
		return false
	}

	terminal, _ := json.Marshal(upstream.Envelope{Type: upstream.TypeNotification, Message: message})
	h.Broadcast(sess.ID, terminal)

	h.mu.Lock()
	list := h.subs[sess.ID]
	delete(h.subs, sess.ID)
	h.mu.Unlock()
	for _, sub := range list {
		h.RemoveSubscriber(sub)
	}

	if h.registry != nil {
		h.registry.Remove(sess.ID)
	}
	if err := sess.Conn.Close(); err != nil {
		h.logger.Debug("closing upstream connection", "session", sess.ShortID(), "error", err)
	}

	h.publish(eventstream.EventTypeSessionClosed, sess, eventstream.SessionPayload{
		Session: sess.ShortID(),
		Reason:  message,
	})
	h.logger.Info("session ended", "username", sess.Username, "session", sess.ShortID(), "reason", message)
	return true
}

// Shutdown ends every registered session and stops the watchers.
func (h *Hub) Shutdown() {
	if h.registry != nil {
		for _, sess := range h.registry.All() {
			h.EndSession(sess, MessageShutdown)
		}
	}
	h.doneOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}

func (h *Hub) publish(eventType string, sess *session.Session, payload any) {
	if h.events == nil {
		return
	}
	event, err := eventstream.NewEvent(eventType, sess.Username, payload)
	if err != nil {
		h.logger.Error("building event", "event_type", eventType, "error", err)
		return
	}
	h.events.Enqueue(event)
}
