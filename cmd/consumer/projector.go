package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed by topic",
	}, []string{"topic"})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	staleSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_stale_snapshots_total",
		Help: "Driver snapshots older than the projected state",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, staleSkipped, redisUpdates, redisErrors)
}

// DriverProjection is the subset of the Redis read model the consumer writes.
type DriverProjection interface {
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, d models.Driver) error
	LastUpdated(ctx context.Context, driverID string) (time.Time, error)
}

type projector struct {
	store        DriverProjection
	driversTopic string
	eventsTopic  string
	attempts     int
	delay        time.Duration
	logger       *slog.Logger
}

// driverFrom extracts the driver snapshot carried by a message, if any.
func (p *projector) driverFrom(m kafka.Message) (*models.Driver, error) {
	switch m.Topic {
	case p.driversTopic:
		var d models.Driver
		if err := json.Unmarshal(m.Value, &d); err != nil {
			return nil, err
		}
		if d.ID == "" {
			return nil, fmt.Errorf("driver message without id")
		}
		return &d, nil
	case p.eventsTopic:
		var e events.Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			return nil, err
		}
		return e.Driver, nil
	}
	return nil, fmt.Errorf("unexpected topic %q", m.Topic)
}

func (p *projector) handle(ctx context.Context, m kafka.Message) {
	msgsConsumed.WithLabelValues(m.Topic).Inc()
	d, err := p.driverFrom(m)
	if err != nil {
		msgsInvalid.Inc()
		p.logger.Warn("invalid message", "topic", m.Topic, "offset", m.Offset, "error", err)
		return
	}
	if d == nil {
		return
	}
	applied, err := updateRedisWithRetry(ctx, p.store, *d, p.attempts, p.delay)
	if err != nil {
		redisErrors.Inc()
		p.logger.Error("redis update failed", "driver_id", d.ID, "error", err)
		return
	}
	if !applied {
		staleSkipped.Inc()
		return
	}
	redisUpdates.Inc()
}

// updateRedisWithRetry projects one driver snapshot: idle drivers are
// placed in the GEO set, everyone else is removed from it. Snapshots older
// than what is already stored are skipped and reported as not applied.
func updateRedisWithRetry(ctx context.Context, rp DriverProjection, d models.Driver, attempts int, delay time.Duration) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false, ctx.Err()
			}
			delay *= 2
		}
		var last time.Time
		if last, err = rp.LastUpdated(ctx, d.ID); err != nil {
			continue
		}
		if d.Updated.Before(last) {
			return false, nil
		}
		if d.Status == models.DriverOnlineIdle {
			err = rp.Upsert(ctx, d)
		} else {
			err = rp.Remove(ctx, d)
		}
		if err == nil {
			return true, nil
		}
	}
	return false, err
}
