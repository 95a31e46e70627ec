// Package ingest moves worker location pings and order events over Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	// Hash keeps every message of one key on one partition, in order.
	return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
}

// KafkaProducer publishes location pings keyed by worker id for cmd/consumer.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: newWriter(brokers, topic)}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.WorkerID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodePing parses and checks one location feed message.
func DecodePing(m kafka.Message) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(m.Value, &p); err != nil {
		return p, fmt.Errorf("decode ping: %w", err)
	}
	if err := ValidatePing(p); err != nil {
		return p, err
	}
	return p, nil
}

// ValidatePing rejects pings without a worker, timestamp or a valid position.
func ValidatePing(p models.LocationPing) error {
	switch {
	case p.WorkerID == "":
		return fmt.Errorf("ping: worker_id required")
	case p.Timestamp.IsZero():
		return fmt.Errorf("ping %s: timestamp required", p.WorkerID)
	case p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180:
		return fmt.Errorf("ping %s: position out of range", p.WorkerID)
	}
	return nil
}
