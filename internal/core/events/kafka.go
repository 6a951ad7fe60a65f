package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the forwarder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a writer that hashes message keys onto partitions,
// so every event of one purchase lands on the same partition in order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}
}

type KafkaForwarder struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewKafkaForwarder(writer MessageWriter, logger *slog.Logger) *KafkaForwarder {
	return &KafkaForwarder{writer: writer, logger: logger}
}

type partitioned interface {
	PartitionKey() string
}

// Handle writes one event to Kafka. It has the Handler signature so it can be
// subscribed to the bus directly.
func (f *KafkaForwarder) Handle(ctx context.Context, event Event) error {
	key := event.EventID()
	if p, ok := event.(partitioned); ok && p.PartitionKey() != "" {
		key = p.PartitionKey()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID(), err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  event.OccurredAt(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType())},
			{Key: "event_id", Value: []byte(event.EventID())},
		},
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s: %w", event.EventID(), err)
	}

	f.logger.Debug("event forwarded to kafka",
		"event_type", event.EventType(),
		"event_id", event.EventID(),
		"key", key)
	return nil
}

// Register subscribes the forwarder to every purchase event type.
func (f *KafkaForwarder) Register(bus *EventBus) {
	for _, eventType := range PurchaseEventTypes {
		bus.Subscribe(eventType, f.Handle)
	}
}
