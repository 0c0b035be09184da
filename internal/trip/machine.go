package trip

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// next is the trip state graph. Terminal states have no entry.
var next = map[models.TripState][]models.TripState{
	models.TripMatched:    {models.TripAccepted, models.TripCancelled},
	models.TripAccepted:   {models.TripArrived, models.TripCancelled},
	models.TripArrived:    {models.TripInProgress, models.TripCancelled},
	models.TripInProgress: {models.TripCompleted},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to models.TripState) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidPath checks that a transition log starts at matched and follows the
// state graph without skips or repeats.
func ValidPath(history []models.Transition) error {
	if len(history) == 0 {
		return errors.New("empty history")
	}
	if history[0].From != "" || history[0].To != models.TripMatched {
		return fmt.Errorf("history starts with %q -> %q", history[0].From, history[0].To)
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if cur.From != prev.To {
			return fmt.Errorf("entry %d starts at %s, previous ended at %s", i, cur.From, prev.To)
		}
		if !CanTransition(cur.From, cur.To) {
			return fmt.Errorf("entry %d: %s -> %s is not allowed", i, cur.From, cur.To)
		}
		if cur.At.Before(prev.At) {
			return fmt.Errorf("entry %d goes back in time", i)
		}
	}
	return nil
}

// Releaser returns a driver to the idle pool.
type Releaser interface {
	Release(driverID string) (models.Driver, error)
}

// Pricer computes the final fare of a completed trip.
type Pricer interface {
	Finalize(distanceKm, durationMin float64, class models.VehicleClass) (models.Fare, error)
}

// ChangeFunc observes committed transitions. It runs while the trip is
// locked, so it must not block.
type ChangeFunc func(t models.Trip, tr models.Transition, released *models.Driver)

// PaymentFunc observes payment status updates, under the trip lock like
// ChangeFunc.
type PaymentFunc func(t models.Trip)

// Machine owns one trip. All mutation of the trip goes through its methods.
type Machine struct {
	mu       sync.Mutex
	trip     models.Trip
	releaser Releaser
	pricer   Pricer
	onChange ChangeFunc
	onPay    PaymentFunc
	logger   *slog.Logger
	now      func() time.Time
}

func (m *Machine) Snapshot() models.Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.trip)
}

// Accept is called by the assigned driver to take the trip.
func (m *Machine) Accept(driverID string) (models.Trip, error) {
	return m.driverStep(driverID, models.TripAccepted, func(t *models.Trip, at time.Time) { t.AcceptedAt = &at })
}

// MarkArrived records the driver at the pickup point.
func (m *Machine) MarkArrived(driverID string) (models.Trip, error) {
	return m.driverStep(driverID, models.TripArrived, func(t *models.Trip, at time.Time) { t.ArrivedAt = &at })
}

// Start records the rider on board.
func (m *Machine) Start(driverID string) (models.Trip, error) {
	return m.driverStep(driverID, models.TripInProgress, func(t *models.Trip, at time.Time) { t.StartedAt = &at })
}

// Complete finalizes the fare from the measured distance and duration and
// frees the driver.
func (m *Machine) Complete(driverID string, distanceKm, durationMin float64) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(driverID, models.TripCompleted); err != nil {
		return clone(m.trip), err
	}
	fare, err := m.pricer.Finalize(distanceKm, durationMin, m.trip.VehicleClass)
	if err != nil {
		return clone(m.trip), fmt.Errorf("finalize fare: %w", err)
	}
	released := m.releaseLocked()
	at := m.now()
	m.trip.FinalFare = &fare
	m.trip.CompletedAt = &at
	m.trip.PaymentStatus = models.PaymentPending
	m.commitLocked(models.TripCompleted, at, models.Actor{Role: models.ActorDriver, ID: driverID}, "", released)
	return clone(m.trip), nil
}

// Cancel ends a trip that has not started. Riders and drivers may only
// cancel their own trips; the system may cancel any.
func (m *Machine) Cancel(reason string, actor models.Actor) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.trip.State, models.TripCancelled) {
		return clone(m.trip), m.invalidLocked(models.TripCancelled)
	}
	switch actor.Role {
	case models.ActorSystem:
	case models.ActorRider:
		if actor.ID != m.trip.RiderID {
			return clone(m.trip), fmt.Errorf("%w: rider %s on trip %s", models.ErrNotParticipant, actor.ID, m.trip.ID)
		}
	case models.ActorDriver:
		if actor.ID != m.trip.DriverID {
			return clone(m.trip), fmt.Errorf("%w: driver %s on trip %s", models.ErrNotParticipant, actor.ID, m.trip.ID)
		}
	default:
		return clone(m.trip), fmt.Errorf("%w: unknown actor role %q", models.ErrValidation, actor.Role)
	}
	released := m.releaseLocked()
	at := m.now()
	m.trip.CancelledAt = &at
	m.trip.CancellationReason = reason
	m.commitLocked(models.TripCancelled, at, actor, reason, released)
	return clone(m.trip), nil
}

// SetPaymentStatus records the gateway outcome of a completed trip.
func (m *Machine) SetPaymentStatus(status models.PaymentStatus) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trip.State != models.TripCompleted {
		return clone(m.trip), fmt.Errorf("%w: payment on %s trip %s", models.ErrInvalidTransition, m.trip.State, m.trip.ID)
	}
	switch status {
	case models.PaymentSucceeded, models.PaymentFailed, models.PaymentPending:
	default:
		return clone(m.trip), fmt.Errorf("%w: unknown payment status %q", models.ErrValidation, status)
	}
	m.trip.PaymentStatus = status
	if m.onPay != nil {
		m.onPay(clone(m.trip))
	}
	return clone(m.trip), nil
}

func (m *Machine) driverStep(driverID string, to models.TripState, stamp func(*models.Trip, time.Time)) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(driverID, to); err != nil {
		return clone(m.trip), err
	}
	at := m.now()
	stamp(&m.trip, at)
	m.commitLocked(to, at, models.Actor{Role: models.ActorDriver, ID: driverID}, "", nil)
	return clone(m.trip), nil
}

func (m *Machine) checkLocked(driverID string, to models.TripState) error {
	if driverID != m.trip.DriverID {
		return fmt.Errorf("%w: %s on trip %s", models.ErrNotAssignedDriver, driverID, m.trip.ID)
	}
	if !CanTransition(m.trip.State, to) {
		return m.invalidLocked(to)
	}
	return nil
}

func (m *Machine) invalidLocked(to models.TripState) error {
	m.logger.Warn("invalid trip transition, possible client bug", "trip_id", m.trip.ID, "from", m.trip.State, "to", to)
	return fmt.Errorf("%w: trip %s %s -> %s", models.ErrInvalidTransition, m.trip.ID, m.trip.State, to)
}

func (m *Machine) releaseLocked() *models.Driver {
	d, err := m.releaser.Release(m.trip.DriverID)
	if err != nil {
		// the trip still ends; the registry already holds the driver elsewhere
		m.logger.Error("release driver", "trip_id", m.trip.ID, "driver_id", m.trip.DriverID, "error", err)
		return nil
	}
	return &d
}

func (m *Machine) commitLocked(to models.TripState, at time.Time, actor models.Actor, reason string, released *models.Driver) {
	tr := models.Transition{From: m.trip.State, To: to, At: at, Actor: actor, Reason: reason}
	m.trip.State = to
	m.trip.History = append(m.trip.History, tr)
	if m.onChange != nil {
		m.onChange(clone(m.trip), tr, released)
	}
}

func clone(t models.Trip) models.Trip {
	t.History = append([]models.Transition(nil), t.History...)
	if t.FinalFare != nil {
		f := *t.FinalFare
		t.FinalFare = &f
	}
	return t
}
