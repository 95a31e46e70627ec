package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/models"
)

// EventPublisher forwards relayed order events to a Kafka topic keyed by
// order id, so consumers of one partition see an order's events in order.
type EventPublisher struct {
	writer messageWriter
}

func NewEventPublisher(brokers []string, topic string) *EventPublisher {
	return &EventPublisher{writer: newWriter(brokers, topic)}
}

func (p *EventPublisher) Name() string { return "kafka_events" }

func (p *EventPublisher) Handle(ctx context.Context, ev models.OrderEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
}

func (p *EventPublisher) Close() error { return p.writer.Close() }
