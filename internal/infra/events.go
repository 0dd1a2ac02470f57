package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// SettlementEvent is published on every settlement state change.
type SettlementEvent struct {
	SettlementID string    `json:"settlement_id"`
	OrderID      string    `json:"order_id"`
	Gateway      string    `json:"gateway"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Amount       string    `json:"amount"`
	Reason       string    `json:"reason,omitempty"`
	Source       string    `json:"source"`
	At           time.Time `json:"at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
	Close() error
}

// KafkaWriter is the subset of *kafka.Writer the publisher needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer KafkaWriter
	topic  string
}

func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is not configured")
	}
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}
	return &KafkaPublisher{writer: w, topic: topic}, nil
}

func NewKafkaPublisherWithWriter(w KafkaWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// Publish keys by settlement id so one settlement's events stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", p.topic, err)
	}
	log.Debug().Str("topic", p.topic).Str("key", key).Msg("kafka: event published")
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// NoopPublisher is used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, interface{}) error { return nil }
func (NoopPublisher) Close() error                                       { return nil }
