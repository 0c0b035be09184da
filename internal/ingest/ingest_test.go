package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestKafkaProducerDeliverKeysByTrip(t *testing.T) {
	ew, dw := &fakeWriter{}, &fakeWriter{}
	k := &KafkaProducer{events: ew, drivers: dw}
	at := time.Unix(1_700_000_000, 0)
	e := events.Event{Type: events.TripStateChanged, At: at, RequestID: "r1", TripID: "t1", To: models.TripAccepted}
	if err := k.Deliver(context.Background(), e); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(ew.msgs) != 1 || string(ew.msgs[0].Key) != "t1" || !ew.msgs[0].Time.Equal(at) {
		t.Fatalf("unexpected message %+v", ew.msgs)
	}
	var got events.Event
	if err := json.Unmarshal(ew.msgs[0].Value, &got); err != nil || got.To != models.TripAccepted {
		t.Fatalf("unexpected payload %s: %v", ew.msgs[0].Value, err)
	}
	if h := ew.msgs[0].Headers; len(h) != 1 || string(h[0].Value) != "TripStateChanged" {
		t.Fatalf("unexpected headers %+v", h)
	}

	if err := k.PublishDriver(models.Driver{ID: "d1", Status: models.DriverOnlineIdle}); err != nil {
		t.Fatalf("publish driver: %v", err)
	}
	if len(dw.msgs) != 1 || string(dw.msgs[0].Key) != "d1" {
		t.Fatalf("unexpected driver message %+v", dw.msgs)
	}
	if err := k.Close(); err != nil || !ew.closed || !dw.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaProducerSurfacesWriteErrors(t *testing.T) {
	k := &KafkaProducer{events: &fakeWriter{err: errors.New("leader not available")}, drivers: &fakeWriter{}}
	if err := k.Deliver(context.Background(), events.Event{Type: events.RequestExpired, RequestID: "r1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEventKeyFallsBackToRequest(t *testing.T) {
	if got := EventKey(events.Event{RequestID: "r1"}); got != "r1" {
		t.Fatalf("got %q", got)
	}
}

type fakeChannel struct {
	keys []string
	msgs []amqp091.Publishing
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestRabbitPublisherRoutesByEvent(t *testing.T) {
	ch := &fakeChannel{}
	r := &RabbitPublisher{ch: ch}
	evs := []events.Event{
		{Type: events.RequestMatched, RequestID: "r1", TripID: "t1"},
		{Type: events.RequestExpired, RequestID: "r2"},
		{Type: events.DriverAssigned, TripID: "t1"},
		{Type: events.TripStateChanged, TripID: "t1", To: models.TripInProgress},
		{Type: events.PaymentRecorded, TripID: "t1", Payment: models.PaymentFailed},
	}
	for _, e := range evs {
		if err := r.Deliver(context.Background(), e); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	want := []string{"dispatch.request.matched", "dispatch.request.expired", "dispatch.driver.assigned", "dispatch.trip.in_progress", "dispatch.payment.failed"}
	for i, k := range want {
		if ch.keys[i] != k {
			t.Fatalf("event %d: routing key %q, want %q", i, ch.keys[i], k)
		}
	}
	if ch.msgs[0].ContentType != "application/json" || ch.msgs[0].DeliveryMode != amqp091.Persistent {
		t.Fatalf("unexpected publishing %+v", ch.msgs[0])
	}
}

func TestRabbitPublisherNotReady(t *testing.T) {
	r := &RabbitPublisher{}
	if err := r.Deliver(context.Background(), events.Event{Type: events.RequestExpired}); err == nil {
		t.Fatalf("expected error without a channel")
	}
}
