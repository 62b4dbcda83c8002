// Package export streams shadow change events to Kafka for downstream
// consumers such as analytics pipelines and long-term storage.
package export

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"

	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/core/logger"
	"github.com/hydronix-io/shadowd/reconciler"
)

// Sink subscribes to all shadow change events on the internal bus and
// writes them to a Kafka topic, keyed by device id so that events for one
// device land on one partition in order.
type Sink struct {
	bus          *broker.Broker
	writer       *kafka.Writer
	subscription *broker.Subscription
}

// Builder is a builder helper for the Sink.
type Builder struct {
	// Brokers is the list of Kafka bootstrap addresses. This is mandatory.
	Brokers []string
	// Topic is the Kafka topic to write to. This is mandatory.
	Topic string
	// Bus is the internal publish/subscribe broker. This is mandatory.
	Bus *broker.Broker
}

// MustNewSink returns a new Kafka sink. It does not consume events until
// Start is called.
func MustNewSink(b *Builder) *Sink {
	if len(b.Brokers) == 0 {
		panic("Brokers are missing")
	}
	if len(b.Topic) == 0 {
		panic("Topic is missing")
	}
	if b.Bus == nil {
		panic("Bus is missing")
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(b.Brokers...),
		Topic:    b.Topic,
		Balancer: &kafka.Hash{},
	}
	return &Sink{
		bus:    b.Bus,
		writer: writer,
	}
}

// Start subscribes the sink to the shadow change events on the internal
// bus.
func (s *Sink) Start() error {
	sub, err := s.bus.Subscribe(reconciler.ShadowTopicPattern, s.export)
	if err != nil {
		return err
	}
	s.subscription = sub
	return nil
}

// export writes a single shadow change event to Kafka. The bus topic is
// "shadows/<device_id>"; the trailing segment becomes the message key.
// Transient write errors are retried with exponential backoff before the
// bus' own bounded redelivery kicks in.
func (s *Sink) export(ctx context.Context, topic string, payload []byte) error {
	deviceID := topic[len("shadows/"):]
	msg := kafka.Message{
		Key:   []byte(deviceID),
		Value: payload,
	}
	err := backoff.Retry(func() error {
		return s.writer.WriteMessages(ctx, msg)
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("export: cannot write to kafka")
		return err
	}
	return nil
}

// Close unsubscribes from the bus and closes the Kafka writer.
func (s *Sink) Close() error {
	if s.subscription != nil {
		s.bus.Unsubscribe(s.subscription)
	}
	return s.writer.Close()
}
