// Package kafka publishes bridge events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/chatbridge/pkg/eventstream"
	"github.com/papercomputeco/chatbridge/pkg/logger"
)

const (
	defaultBatchTimeout = 50 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
	defaultClientID     = "chatbridge"
)

var (
	// ErrNoBrokers is returned when no broker address is configured.
	ErrNoBrokers = errors.New("kafka: at least one broker is required")

	// ErrNoTopic is returned when no topic is configured.
	ErrNoTopic = errors.New("kafka: topic is required")
)

// Config configures the Kafka publisher.
type Config struct {
	Brokers      []string
	Topic        string
	ClientID     string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes events as JSON messages keyed by username, so a user's
// events land on one partition in order.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
	closed atomic.Bool
}

// NewPublisher creates a Kafka publisher.
func NewPublisher(c Config) (*Publisher, error) {
	if len(c.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if c.Topic == "" {
		return nil, ErrNoTopic
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(c.Brokers...),
		Topic:                  c.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		BatchTimeout:           c.BatchTimeout,
		WriteTimeout:           c.WriteTimeout,
		AllowAutoTopicCreation: true,
		Transport: &kafkago.Transport{
			ClientID: c.ClientID,
		},
	}

	return newPublisher(w, c.Topic, c.Logger), nil
}

func newPublisher(w messageWriter, topic string, log *slog.Logger) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{
		writer: w,
		topic:  topic,
		logger: log.With("component", "eventstream", "provider", "kafka", "topic", topic),
	}
}

// Publish writes event to the topic.
func (p *Publisher) Publish(ctx context.Context, event *eventstream.Event) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	if p.closed.Load() {
		return eventstream.ErrPublisherClosed
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(event.Username),
		Value: value,
		Time:  event.EmittedAt,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "schema_version", Value: []byte(strconv.Itoa(event.SchemaVersion))},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing event %s to %s: %w", event.EventID, p.topic, err)
	}

	p.logger.Debug("event published", "event_type", event.EventType, "event_id", event.EventID)
	return nil
}

// Close flushes pending messages and closes the writer. Later calls are
// no-ops.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}
