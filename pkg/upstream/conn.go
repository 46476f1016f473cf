// Package upstream owns the TCP connection between a session and the chat
// backend.
//
// A Conn is in one of two read modes. In ModeRequest the caller reads
// directly: Receive returns the next line and Request writes a command and
// waits for its reply. Listen switches the connection to ModeStream, after
// which a single goroutine owns the read side for the rest of the
// connection's life and forwards every line to a Handler. Requests issued
// while streaming register a one-shot correlation slot that the listener
// fills with the first matching line instead of forwarding it.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/papercomputeco/chatbridge/pkg/framer"
	"github.com/papercomputeco/chatbridge/pkg/logger"
)

const (
	// DefaultRequestTimeout bounds a correlated request when the caller's
	// context has no deadline.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single line write.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultBacklogSize caps the lines held for a listener that has not
	// attached yet.
	DefaultBacklogSize = 256
)

// Mode is the read mode of a connection.
type Mode int32

const (
	// ModeRequest means reads are performed synchronously by callers.
	ModeRequest Mode = iota

	// ModeStream means a listener owns the read side.
	ModeStream
)

func (m Mode) String() string {
	switch m {
	case ModeRequest:
		return "request"
	case ModeStream:
		return "stream"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// Options configures a Conn.
type Options struct {
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	MaxLineBytes   int
	BacklogSize    int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.BacklogSize <= 0 {
		o.BacklogSize = DefaultBacklogSize
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// Handler receives the lines read by the listener.
type Handler struct {
	// OnMessage is called for every line not claimed by a correlated request,
	// in stream order, from the listener goroutine.
	OnMessage func(json.RawMessage)

	// OnParseError is called for lines that are not valid JSON. Optional.
	OnParseError func(*framer.ParseError)

	// OnClose is called once when the read side fails or the connection is
	// closed. Optional.
	OnClose func(error)
}

// Match reports whether msg is the reply a request is waiting for.
type Match func(msg json.RawMessage) bool

// MatchType matches messages whose "type" field equals typ.
func MatchType(typ string) Match {
	return func(msg json.RawMessage) bool {
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return false
		}
		return env.Type == typ
	}
}

// RequestOptions tunes a single Request.
type RequestOptions struct {
	// Timeout overrides the connection's request timeout. It applies only
	// when the context carries no deadline of its own.
	Timeout time.Duration

	// Match selects the reply. A nil Match accepts the next line.
	Match Match
}

type result struct {
	msg json.RawMessage
	err error
}

// waiter is the single correlation slot of a connection.
type waiter struct {
	match Match
	reply chan result
}

func (w *waiter) matches(msg json.RawMessage) bool {
	return w.match == nil || w.match(msg)
}

// Conn is one upstream TCP connection.
type Conn struct {
	nc     net.Conn
	reader *framer.Reader
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex

	// readMu is held by whoever reads from reader. The listener takes it and
	// never releases it.
	readMu sync.Mutex

	mu        sync.Mutex
	mode      Mode
	listening bool
	closed    bool
	pending   *waiter
	backlog   []json.RawMessage

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr and returns a Conn in ModeRequest.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing upstream %s: %w", addr, err)
	}
	return NewConn(nc, opts), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		nc:     nc,
		reader: framer.NewReader(nc, opts.MaxLineBytes),
		opts:   opts,
		logger: opts.Logger.With("component", "upstream", "remote", nc.RemoteAddr().String()),
		done:   make(chan struct{}),
	}
}

// Mode returns the current read mode.
func (c *Conn) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes cmd as a single JSON line. Writes are serialized per
// connection and bounded by the write timeout.
func (c *Conn) Send(cmd any) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	payload = append(payload, '\n')

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := c.nc.Write(payload); err != nil {
		return fmt.Errorf("writing to upstream: %w", err)
	}

	c.logger.Debug("sent upstream line", "bytes", len(payload))
	return nil
}

// Receive returns the next line from the connection. Lines held in the
// backlog are returned first. It fails with ErrStreaming once a listener is
// attached.
func (c *Conn) Receive(ctx context.Context) (json.RawMessage, error) {
	w := &waiter{}
	if err := c.claimDirect(w); err != nil {
		return nil, err
	}
	defer c.releaseDirect(w)

	c.mu.Lock()
	if len(c.backlog) > 0 {
		msg := c.backlog[0]
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()

	ctx, cancel := c.withTimeout(ctx, 0)
	defer cancel()
	return c.readUntil(ctx, w)
}

// Request writes cmd and waits for its reply. Only lines read after the
// write are considered. In ModeRequest unmatched lines are kept in the
// backlog for the listener. In ModeStream the listener hands the first
// matching line over to this call. A line that is not valid JSON arriving
// while the request waits fails it with a *framer.ParseError.
//
// Exactly one outcome is returned: a reply that loses the race with the
// timeout is forwarded to the listener like any other line.
func (c *Conn) Request(ctx context.Context, cmd any, opts RequestOptions) (json.RawMessage, error) {
	w := &waiter{match: opts.Match, reply: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	c.pending = w
	streaming := c.listening
	if !streaming {
		// Nobody else can hold readMu here: the slot was free and no
		// listener has been requested.
		c.readMu.Lock()
	}
	c.mu.Unlock()

	ctx, cancel := c.withTimeout(ctx, opts.Timeout)
	defer cancel()

	if !streaming {
		defer c.releaseDirect(w)
		if err := c.Send(cmd); err != nil {
			return nil, err
		}
		return c.readUntil(ctx, w)
	}

	if err := c.Send(cmd); err != nil {
		c.clearPending(w)
		return nil, err
	}

	select {
	case r := <-w.reply:
		return r.msg, r.err
	case <-ctx.Done():
		return c.abandon(w, c.ctxErr(ctx))
	case <-c.done:
		return c.abandon(w, ErrClosed)
	}
}

// Handshake performs the authentication exchange: it reads the greeting
// line the backend sends on connect, writes cmd and returns the decoded
// reply. The whole exchange is bounded by ctx.
func (c *Conn) Handshake(ctx context.Context, cmd Command) (Reply, error) {
	greeting, err := c.Receive(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("reading greeting: %w", err)
	}
	c.logger.Debug("received greeting", "line", string(greeting))

	msg, err := c.Request(ctx, cmd, RequestOptions{})
	if err != nil {
		return Reply{}, fmt.Errorf("awaiting %s reply: %w", cmd.Command, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg, &reply); err != nil {
		return Reply{}, fmt.Errorf("decoding %s reply: %w", cmd.Command, err)
	}
	return reply, nil
}

// Listen attaches the continuous listener and returns immediately. If a
// direct read is in progress the listener starts once it completes. Lines
// kept in the backlog are delivered first, in order.
func (c *Conn) Listen(h Handler) error {
	if h.OnMessage == nil {
		return errors.New("listen: OnMessage is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.listening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	c.listening = true
	c.mu.Unlock()

	go c.listen(h)
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) listen(h Handler) {
	c.readMu.Lock()

	c.mu.Lock()
	c.mode = ModeStream
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	c.logger.Debug("listener attached", "backlog", len(backlog))
	for _, msg := range backlog {
		h.OnMessage(msg)
	}

	err := c.reader.Run(func(msg json.RawMessage) {
		c.mu.Lock()
		w := c.pending
		if w != nil && w.matches(msg) {
			c.pending = nil
			c.mu.Unlock()
			w.reply <- result{msg: msg}
			return
		}
		c.mu.Unlock()
		h.OnMessage(msg)
	}, func(perr *framer.ParseError) {
		c.mu.Lock()
		w := c.pending
		if w != nil && w.reply != nil {
			c.pending = nil
			c.mu.Unlock()
			w.reply <- result{err: perr}
			return
		}
		c.mu.Unlock()

		c.logger.Warn("dropping malformed upstream line", "error", perr)
		if h.OnParseError != nil {
			h.OnParseError(perr)
		}
	})

	select {
	case <-c.done:
		err = ErrClosed
	default:
		_ = c.Close()
	}

	c.mu.Lock()
	w := c.pending
	c.pending = nil
	c.mu.Unlock()
	if w != nil {
		w.reply <- result{err: ErrClosed}
	}

	c.logger.Debug("listener stopped", "error", err)
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// readUntil reads lines until w matches. Callers hold readMu.
func (c *Conn) readUntil(ctx context.Context, w *waiter) (json.RawMessage, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.nc.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
		defer func() { _ = c.nc.SetReadDeadline(time.Time{}) }()
	}

	for {
		msg, err := c.reader.Next()
		if err != nil {
			var perr *framer.ParseError
			switch {
			case errors.As(err, &perr):
				// The malformed line may be the reply itself.
				return nil, err

			case errors.Is(err, os.ErrDeadlineExceeded):
				c.reader.DiscardPartial()
				return nil, c.ctxErr(ctx)

			default:
				_ = c.Close()
				if errors.Is(err, net.ErrClosed) {
					return nil, ErrClosed
				}
				return nil, fmt.Errorf("%w: %w", ErrClosed, err)
			}
		}

		if w.matches(msg) {
			return msg, nil
		}
		c.pushBacklog(msg)
	}
}

func (c *Conn) claimDirect(w *waiter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.listening:
		return ErrStreaming
	case c.pending != nil:
		return ErrRequestInFlight
	}
	c.pending = w
	c.readMu.Lock()
	return nil
}

func (c *Conn) releaseDirect(w *waiter) {
	c.clearPending(w)
	c.readMu.Unlock()
}

func (c *Conn) clearPending(w *waiter) {
	c.mu.Lock()
	if c.pending == w {
		c.pending = nil
	}
	c.mu.Unlock()
}

// abandon gives up on a streaming request. If the listener already claimed
// the slot its reply is in flight and wins.
func (c *Conn) abandon(w *waiter, err error) (json.RawMessage, error) {
	c.mu.Lock()
	if c.pending == w {
		c.pending = nil
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	r := <-w.reply
	return r.msg, r.err
}

func (c *Conn) pushBacklog(msg json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.backlog) >= c.opts.BacklogSize {
		c.logger.Warn("upstream backlog full, dropping oldest line", "size", len(c.backlog))
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
	}
	c.backlog = append(c.backlog, msg)
}

func (c *Conn) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	if d <= 0 {
		d = c.opts.RequestTimeout
	}
	return context.WithTimeout(ctx, d)
}

func (c *Conn) ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return ErrTimeout
}
