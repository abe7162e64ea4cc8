// Package ingest publishes driver zone changes onto the zone topic. The
// consumer process applies them to the store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// Writer is the part of *kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ZoneProducer struct {
	writer  Writer
	timeout time.Duration
}

// NewZoneProducer keys messages by driver id with a hash balancer so every
// update for one driver lands on the same partition in order.
func NewZoneProducer(brokers []string, topic string) *ZoneProducer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return NewZoneProducerWithWriter(w)
}

func NewZoneProducerWithWriter(w Writer) *ZoneProducer {
	return &ZoneProducer{writer: w, timeout: 2 * time.Second}
}

func (k *ZoneProducer) PublishZone(ctx context.Context, u models.ZoneUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode zone update: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

func (k *ZoneProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
