// Package worker provides an asynchronous worker pool that forwards bridge
// events to an eventstream.Publisher.
//
// The pool decouples publishing from the bridge's HTTP and upstream read
// paths so a slow or unavailable event stream never delays chat traffic.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/papercomputeco/chatbridge/pkg/eventstream"
	"github.com/papercomputeco/chatbridge/pkg/logger"
)

var (
	defaultNumWorkers     uint = 3
	defaultJobQueueSize   uint = 256
	defaultPublishTimeout      = 10 * time.Second
)

// Config is the configuration options for the worker pool.
type Config struct {
	// Publisher receives every enqueued event.
	Publisher eventstream.Publisher

	// Source is stamped on events that do not carry one.
	Source eventstream.EventSource

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// PublishTimeout bounds a single publish (defaults to 10s).
	PublishTimeout time.Duration

	// Logger is the provided slog logger
	Logger *slog.Logger
}

// Pool publishes events asynchronously via a worker pool.
type Pool struct {
	config *Config
	queue  chan *eventstream.Event
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	if c.Logger == nil {
		c.Logger = logger.Nop()
	}

	wp := &Pool{
		config: c,
		queue:  make(chan *eventstream.Event, c.QueueSize),
		logger: c.Logger.With("component", "worker"),
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go wp.worker(i)
	}

	return wp, nil
}

// Enqueue submits an event for publishing.
// Returns true if enqueued, false if the queue is full or the pool is
// closed, resulting in the event being dropped.
func (p *Pool) Enqueue(event *eventstream.Event) bool {
	if event == nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.queue <- event:
		p.logger.Debug("event queued", "event_type", event.EventType, "event_id", event.EventID)
		return true
	default:
		p.logger.Error("event not queued, queue full, event dropped",
			"event_type", event.EventType,
			"event_id", event.EventID,
		)
		return false
	}
}

// Close signals workers to stop and waits for in-flight events to drain.
// Call this during graceful shutdown after the bridge HTTP server has stopped.
// The publisher is closed once the queue is drained.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return p.config.Publisher.Close()
}

// worker is the inner worker thread that continuously pulls events off the queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "worker_id", id)

	for event := range p.queue {
		p.publish(event)
	}

	p.logger.Debug("worker stopped", "worker_id", id)
}

func (p *Pool) publish(event *eventstream.Event) {
	if event.Source == (eventstream.EventSource{}) {
		event.Source = p.config.Source
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()

	if err := p.config.Publisher.Publish(ctx, event); err != nil {
		p.logger.Error("event publish failed",
			"event_type", event.EventType,
			"event_id", event.EventID,
			"error", err,
		)
		return
	}

	p.logger.Debug("event published", "event_type", event.EventType, "event_id", event.EventID)
}
