package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Type string

const (
	RequestMatched   Type = "RequestMatched"
	DriverAssigned   Type = "DriverAssigned"
	TripStateChanged Type = "TripStateChanged"
	RequestExpired   Type = "RequestExpired"
	PaymentRecorded  Type = "PaymentRecorded"
)

// Event is the only output channel of the dispatch core. Delivery and
// formatting belong to the sinks.
type Event struct {
	Type      Type             `json:"type"`
	At        time.Time        `json:"at"`
	RequestID string           `json:"request_id,omitempty"`
	TripID    string           `json:"trip_id,omitempty"`
	RiderID   string           `json:"rider_id,omitempty"`
	DriverID  string           `json:"driver_id,omitempty"`
	From      models.TripState `json:"from,omitempty"`
	To        models.TripState `json:"to,omitempty"`
	Reason    string           `json:"reason,omitempty"`

	Payment models.PaymentStatus `json:"payment_status,omitempty"`

	// Snapshots for projections. Driver is set when the event changed the
	// driver's status (assignment or release).
	Trip   *models.Trip   `json:"trip,omitempty"`
	Driver *models.Driver `json:"driver,omitempty"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(e Event)
}

// Sink delivers events to one downstream system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Bus buffers events and fans them out to sinks from a single goroutine.
// Publish never blocks; when the buffer is full the event is dropped and
// counted.
type Bus struct {
	ch      chan Event
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	onDrop  func(Event)
	onFail  func(sink string, e Event)
	once    sync.Once
}

type BusOption func(*Bus)

func WithDropHook(fn func(Event)) BusOption { return func(b *Bus) { b.onDrop = fn } }

func WithFailHook(fn func(sink string, e Event)) BusOption {
	return func(b *Bus) { b.onFail = fn }
}

// WithDeliveryTimeout bounds each sink call.
func WithDeliveryTimeout(d time.Duration) BusOption { return func(b *Bus) { b.timeout = d } }

func NewBus(buffer int, logger *slog.Logger, opts ...BusOption) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	b := &Bus{ch: make(chan Event, buffer), logger: logger, timeout: 3 * time.Second}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Attach registers a sink. Call before Run.
func (b *Bus) Attach(s Sink) { b.sinks = append(b.sinks, s) }

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case b.ch <- e:
	default:
		b.logger.Warn("event dropped, buffer full", "type", e.Type, "trip_id", e.TripID, "request_id", e.RequestID)
		if b.onDrop != nil {
			b.onDrop(e)
		}
	}
}

// Run delivers events until ctx is done, then drains what is buffered.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case e := <-b.ch:
			b.deliver(e)
		case <-ctx.Done():
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	b.once.Do(func() {
		for {
			select {
			case e := <-b.ch:
				b.deliver(e)
			default:
				return
			}
		}
	})
}

func (b *Bus) deliver(e Event) {
	for _, s := range b.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := s.Deliver(ctx, e)
		cancel()
		if err != nil {
			b.logger.Warn("event delivery failed", "sink", s.Name(), "type", e.Type, "error", err)
			if b.onFail != nil {
				b.onFail(s.Name(), e)
			}
		}
	}
}

// Recorder is an in-memory Publisher for tests and local runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
