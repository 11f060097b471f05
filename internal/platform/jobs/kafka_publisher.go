package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOrderEventPublisher publishes order events keyed by order id so one order's events land on
// one partition.
type KafkaOrderEventPublisher struct {
	writer  MessageWriter
	topic   string
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*KafkaOrderEventPublisher)(nil)

// NewKafkaWriter builds a writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string) (*kafka.Writer, error) {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka order publisher: at least one broker is required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, nil
}

// NewKafkaOrderEventPublisher constructs a publisher writing to topic.
func NewKafkaOrderEventPublisher(writer MessageWriter, topic string) (*KafkaOrderEventPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka order publisher: writer is required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("kafka order publisher: topic is required")
	}
	return &KafkaOrderEventPublisher{writer: writer, topic: topic, marshal: json.Marshal}, nil
}

func (p *KafkaOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	headers := make([]kafka.Header, 0, 4)
	for key, value := range eventAttributes(event) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for key, value := range carrier {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(event.OrderID),
		Value:   data,
		Headers: headers,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish order event %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaOrderEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
