package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Publisher emits campaign lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, evt CampaignEvent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, CampaignEvent) error { return nil }
func (NopPublisher) Close() error                                 { return nil }

// KafkaPublisher publishes campaign events to a single topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher constructs a publisher for the given topic.
func NewKafkaPublisher(k *Kafka, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: k.NewWriter(topic)}
}

// Publish writes the event keyed by campaign id.
func (p *KafkaPublisher) Publish(ctx context.Context, evt CampaignEvent) error {
	record, err := kafkaMessage(evt)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("kafka publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func kafkaMessage(evt CampaignEvent) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka publisher: marshal event: %w", err)
	}
	key := evt.CampaignID
	return kafka.Message{
		Key:     key[:],
		Value:   value,
		Time:    evt.OccurredAt,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(evt.Type)}},
	}, nil
}
