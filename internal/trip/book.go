package trip

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Book holds every trip's state machine, keyed by trip id.
type Book struct {
	mu       sync.RWMutex
	trips    map[string]*Machine
	releaser Releaser
	pricer   Pricer
	onChange ChangeFunc
	onPay    PaymentFunc
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Book)

func WithClock(now func() time.Time) Option { return func(b *Book) { b.now = now } }

// WithChangeFunc observes every committed transition of every trip.
func WithChangeFunc(fn ChangeFunc) Option { return func(b *Book) { b.onChange = fn } }

// WithPaymentFunc observes every recorded payment outcome.
func WithPaymentFunc(fn PaymentFunc) Option { return func(b *Book) { b.onPay = fn } }

func NewBook(releaser Releaser, pricer Pricer, logger *slog.Logger, opts ...Option) *Book {
	b := &Book{
		trips:    make(map[string]*Machine),
		releaser: releaser,
		pricer:   pricer,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Create opens a trip in state matched for a request that was just matched
// to driverID.
func (b *Book) Create(tripID string, req models.TripRequest, driverID string) (models.Trip, error) {
	at := b.now()
	t := models.Trip{
		ID:            tripID,
		RequestID:     req.ID,
		RiderID:       req.RiderID,
		DriverID:      driverID,
		VehicleClass:  req.VehicleClass,
		State:         models.TripMatched,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		EstimatedFare: req.Estimate,
		MatchedAt:     at,
		History: []models.Transition{{
			To:    models.TripMatched,
			At:    at,
			Actor: models.Actor{Role: models.ActorSystem},
		}},
	}
	m := &Machine{
		trip:     t,
		releaser: b.releaser,
		pricer:   b.pricer,
		onChange: b.onChange,
		onPay:    b.onPay,
		logger:   b.logger,
		now:      b.now,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.trips[tripID]; ok {
		return models.Trip{}, fmt.Errorf("%w: duplicate trip id %s", models.ErrValidation, tripID)
	}
	b.trips[tripID] = m
	return clone(t), nil
}

func (b *Book) Get(tripID string) (*Machine, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("%w: trip %s", models.ErrNotFound, tripID)
	}
	return m, nil
}

// CountByState reports how many trips are in each state.
func (b *Book) CountByState() map[models.TripState]int {
	b.mu.RLock()
	machines := make([]*Machine, 0, len(b.trips))
	for _, m := range b.trips {
		machines = append(machines, m)
	}
	b.mu.RUnlock()
	out := make(map[models.TripState]int)
	for _, m := range machines {
		m.mu.Lock()
		out[m.trip.State]++
		m.mu.Unlock()
	}
	return out
}

// Prune drops completed and cancelled trips that ended before cutoff. Trips
// still waiting on a payment outcome are kept.
func (b *Book) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, m := range b.trips {
		m.mu.Lock()
		done := ended(m.trip)
		evict := done != nil && done.Before(cutoff) && m.trip.PaymentStatus != models.PaymentPending
		m.mu.Unlock()
		if evict {
			delete(b.trips, id)
			n++
		}
	}
	return n
}

func ended(t models.Trip) *time.Time {
	switch t.State {
	case models.TripCompleted:
		return t.CompletedAt
	case models.TripCancelled:
		return t.CancelledAt
	}
	return nil
}
