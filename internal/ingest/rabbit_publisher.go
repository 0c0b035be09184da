package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/events"
)

const exchange = "dispatch_topic"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// RabbitPublisher publishes domain events to a topic exchange with routing
// keys such as "dispatch.trip.completed" or "dispatch.request.expired".
type RabbitPublisher struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	conn      *amqp091.Connection
	connClose chan *amqp091.Error
	ch        amqpChannel
	isClosed  atomic.Bool
}

func NewRabbitPublisher(url string, logger *slog.Logger) (*RabbitPublisher, error) {
	r := &RabbitPublisher{logger: logger}
	if err := r.createChannel(url); err != nil {
		return nil, err
	}
	go r.reconnectConn(url)
	return r, nil
}

func (r *RabbitPublisher) createChannel(url string) error {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return errors.Join(conn.Close(), err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Join(conn.Close(), err)
	}
	closed := make(chan *amqp091.Error, 1)
	conn.NotifyClose(closed)

	r.mu.Lock()
	r.conn, r.ch, r.connClose = conn, ch, closed
	r.mu.Unlock()
	return nil
}

func (r *RabbitPublisher) reconnectConn(url string) {
	for {
		r.mu.RLock()
		closed := r.connClose
		r.mu.RUnlock()
		<-closed
		if r.isClosed.Load() {
			return
		}
		r.logger.Warn("rabbitmq connection lost")
		for {
			if r.isClosed.Load() {
				return
			}
			if err := r.createChannel(url); err != nil {
				r.logger.Info("rabbitmq reconnect failed", "error", err)
				time.Sleep(3 * time.Second)
				continue
			}
			r.logger.Info("reconnected to rabbitmq")
			break
		}
	}
}

func (r *RabbitPublisher) Name() string { return "rabbitmq" }

func (r *RabbitPublisher) Deliver(ctx context.Context, e events.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	r.mu.RLock()
	ch := r.ch
	r.mu.RUnlock()
	if ch == nil {
		return errors.New("rabbitmq channel not ready")
	}
	return ch.PublishWithContext(ctx, exchange, RoutingKey(e), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    fmt.Sprintf("%s:%s:%d", e.Type, EventKey(e), e.At.UnixNano()),
		Timestamp:    e.At,
		Type:         string(e.Type),
		Body:         b,
	})
}

func (r *RabbitPublisher) Close() error {
	r.isClosed.Store(true)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// RoutingKey maps an event to "dispatch.<entity>.<what>".
func RoutingKey(e events.Event) string {
	switch e.Type {
	case events.RequestMatched:
		return "dispatch.request.matched"
	case events.RequestExpired:
		return "dispatch.request.expired"
	case events.DriverAssigned:
		return "dispatch.driver.assigned"
	case events.TripStateChanged:
		return "dispatch.trip." + string(e.To)
	case events.PaymentRecorded:
		return "dispatch.payment." + string(e.Payment)
	}
	return "dispatch." + strings.ToLower(string(e.Type))
}
