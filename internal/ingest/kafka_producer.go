package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes domain events and driver snapshots to Kafka. Messages
// are keyed so that one trip's (or one driver's) messages stay in order.
type KafkaProducer struct {
	events  messageWriter
	drivers messageWriter
}

func NewKafkaProducer(brokers []string, eventsTopic, driversTopic string) *KafkaProducer {
	ew := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventsTopic, Balancer: &kafka.Hash{}})
	// location pings are fire-and-forget
	dw := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: driversTopic, Balancer: &kafka.Hash{}, Async: true})
	return &KafkaProducer{events: ew, drivers: dw}
}

func (k *KafkaProducer) Name() string { return "kafka" }

// Deliver writes e to the events topic.
func (k *KafkaProducer) Deliver(ctx context.Context, e events.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.events.WriteMessages(ctx, kafka.Message{
		Key:     []byte(EventKey(e)),
		Value:   b,
		Time:    e.At,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	})
}

// PublishDriver writes a registry snapshot to the driver topic.
func (k *KafkaProducer) PublishDriver(d models.Driver) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.drivers.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.events == nil {
		return nil
	}
	err := k.events.Close()
	if cerr := k.drivers.Close(); err == nil {
		err = cerr
	}
	return err
}

// EventKey is the partition key of an event: its trip, else its request.
func EventKey(e events.Event) string {
	if e.TripID != "" {
		return e.TripID
	}
	return e.RequestID
}
