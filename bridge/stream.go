package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/papercomputeco/chatbridge/pkg/hub"
	"github.com/papercomputeco/chatbridge/pkg/sse"
)

const keepaliveComment = "keepalive"

// streamFlushTimeout bounds how long a closed stream may spend writing its
// queued messages before the response pipe is torn down.
const streamFlushTimeout = 5 * time.Second

var (
	errStreamClosed = errors.New("message stream closed")
	errStreamFull   = errors.New("message stream buffer full")
)

// streamSink feeds one message stream response. Send queues without
// blocking; a pump goroutine writes frames and keep-alives to the response
// pipe so a slow client never stalls the upstream listener.
type streamSink struct {
	w         io.WriteCloser
	queue     chan json.RawMessage
	heartbeat time.Duration
	logger    *slog.Logger

	// flushTimeout is how long Close lets the pump drain before aborting a
	// write the client never reads.
	flushTimeout time.Duration

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

var _ hub.Sink = (*streamSink)(nil)

func newStreamSink(w io.WriteCloser, size int, heartbeat time.Duration, logger *slog.Logger) *streamSink {
	return &streamSink{
		w:            w,
		queue:        make(chan json.RawMessage, size),
		heartbeat:    heartbeat,
		logger:       logger,
		flushTimeout: streamFlushTimeout,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Send queues msg for the client.
func (s *streamSink) Send(msg json.RawMessage) error {
	select {
	case <-s.closing:
		return errStreamClosed
	default:
	}

	select {
	case s.queue <- msg:
		return nil
	default:
		return errStreamFull
	}
}

// Close ends the stream once queued messages are flushed. It does not wait
// for the flush. A pump still blocked on the client after the flush timeout
// has its writer closed under it.
func (s *streamSink) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		go s.abortAfterFlush()
	})
}

func (s *streamSink) abortAfterFlush() {
	timer := time.NewTimer(s.flushTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return
	case <-timer.C:
	}

	s.logger.Debug("message stream did not drain, aborting")
	if pw, ok := s.w.(interface{ CloseWithError(error) error }); ok {
		_ = pw.CloseWithError(errStreamClosed)
		return
	}
	_ = s.w.Close()
}

// start runs the pump. onBroken is called when the client can no longer be
// written to.
func (s *streamSink) start(onBroken func()) {
	go s.pump(onBroken)
}

func (s *streamSink) pump(onBroken func()) {
	defer close(s.done)
	defer s.w.Close()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.queue:
			if err := sse.WriteEvent(s.w, msg); err != nil {
				s.broken(onBroken, err)
				return
			}

		case <-ticker.C:
			if err := sse.WriteComment(s.w, keepaliveComment); err != nil {
				s.broken(onBroken, err)
				return
			}

		case <-s.closing:
			s.flush()
			return
		}
	}
}

// flush writes whatever is still queued.
func (s *streamSink) flush() {
	for {
		select {
		case msg := <-s.queue:
			if err := sse.WriteEvent(s.w, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *streamSink) broken(onBroken func(), err error) {
	s.logger.Debug("message stream write failed", "error", err)
	s.Close()
	if onBroken != nil {
		onBroken()
	}
}
