package eventstreamutils

import (
	"fmt"
	"log/slog"

	"github.com/papercomputeco/chatbridge/pkg/eventstream"
	"github.com/papercomputeco/chatbridge/pkg/eventstream/kafka"
	"github.com/papercomputeco/chatbridge/pkg/eventstream/nop"
)

const (
	ProviderNop   = "nop"
	ProviderKafka = "kafka"
)

type NewPublisherOpts struct {
	ProviderType string
	Brokers      []string
	Topic        string
	ClientID     string
	Logger       *slog.Logger
}

func NewPublisher(o *NewPublisherOpts) (eventstream.Publisher, error) {
	switch o.ProviderType {
	case "", ProviderNop:
		return nop.NewPublisher(), nil
	case ProviderKafka:
		return kafka.NewPublisher(kafka.Config{
			Brokers:  o.Brokers,
			Topic:    o.Topic,
			ClientID: o.ClientID,
			Logger:   o.Logger,
		})
	default:
		return nil, fmt.Errorf("unsupported eventstream provider: %s", o.ProviderType)
	}
}
