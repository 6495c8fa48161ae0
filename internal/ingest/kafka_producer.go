// Package ingest moves domain events between the process and Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the record written for every forwarded event.
type Envelope struct {
	Topic string          `json:"topic"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return NewKafkaProducerWithWriter(w, logger)
}

func NewKafkaProducerWithWriter(w MessageWriter, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second, logger: logger.With("component", "kafka_producer")}
}

// Publish writes event under key. Events sharing a key land on the same
// partition, which keeps a booking's events in order.
func (k *KafkaProducer) Publish(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ingest: encode %s: %w", topic, err)
	}
	value, err := json.Marshal(Envelope{Topic: topic, At: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("ingest: encode envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "event-topic", Value: []byte(topic)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("ingest: write %s: %w", topic, err)
	}
	return nil
}

// Forward is a fan-out handler that mirrors every in-process event to Kafka.
// Failures are logged; the in-process fan-out never waits on Kafka errors.
func (k *KafkaProducer) Forward(ctx context.Context, topic string, event any) {
	if err := k.Publish(ctx, topic, keyOf(event), event); err != nil {
		k.logger.Warn("forward event", "topic", topic, "error", err)
	}
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// keyOf picks the partition key: booking id when the event has one, else
// the room id.
func keyOf(event any) string {
	raw, err := json.Marshal(event)
	if err != nil {
		return ""
	}
	var ids struct {
		BookingID string `json:"booking_id"`
		RoomID    string `json:"room_id"`
	}
	if json.Unmarshal(raw, &ids) != nil {
		return ""
	}
	if ids.BookingID != "" {
		return ids.BookingID
	}
	return ids.RoomID
}
