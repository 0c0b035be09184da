package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the subset of geo.Index the registry keeps in sync with driver
// status. Membership is present iff the driver is online_idle.
type Index interface {
	Upsert(driverID string, pos models.Position, class models.VehicleClass)
	Remove(driverID string)
}

// Registry is the single source of truth for driver status and position.
// Every status change and its index side effect happen under one lock, so
// no reader of the index can observe an assigned driver as idle.
type Registry struct {
	mu      sync.Mutex
	drivers map[string]*models.Driver
	index   Index
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Registry)

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func New(index Index, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		drivers: make(map[string]*models.Driver),
		index:   index,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register creates an offline driver record.
func (r *Registry) Register(id string, class models.VehicleClass, rating float64) (models.Driver, error) {
	if id == "" {
		return models.Driver{}, fmt.Errorf("%w: driver id is required", models.ErrValidation)
	}
	if !class.Valid() {
		return models.Driver{}, fmt.Errorf("%w: unknown vehicle class %q", models.ErrValidation, class)
	}
	if rating < 0 || rating > 5 {
		return models.Driver{}, fmt.Errorf("%w: rating must be within 0..5", models.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[id]; ok {
		return models.Driver{}, fmt.Errorf("%w: %s", models.ErrAlreadyRegistered, id)
	}
	d := &models.Driver{ID: id, Status: models.DriverOffline, Rating: rating, VehicleClass: class, Updated: r.now()}
	r.drivers[id] = d
	return *d, nil
}

// GoOnline marks the driver idle at pos and indexes it.
func (r *Registry) GoOnline(id string, pos models.Position) (models.Driver, error) {
	if pos.IsZero() {
		return models.Driver{}, fmt.Errorf("%w: position is required", models.ErrValidation)
	}
	if err := pos.Validate(); err != nil {
		return models.Driver{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.getLocked(id)
	if err != nil {
		return models.Driver{}, err
	}
	if d.CurrentTripID != "" {
		return *d, fmt.Errorf("%w: driver %s has trip %s", models.ErrAlreadyOnTrip, id, d.CurrentTripID)
	}
	if pos.Timestamp.IsZero() {
		pos.Timestamp = r.now()
	}
	if !d.Position.Timestamp.IsZero() && pos.Timestamp.Before(d.Position.Timestamp) {
		// never move the clock backwards; keep the newer fix
		pos = d.Position
	}
	d.Status = models.DriverOnlineIdle
	d.Position = pos
	d.Updated = r.now()
	r.index.Upsert(d.ID, d.Position, d.VehicleClass)
	return *d, nil
}

// GoOffline removes the driver from dispatch. A second call reports
// ErrAlreadyOffline and changes nothing.
func (r *Registry) GoOffline(id string) (models.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.getLocked(id)
	if err != nil {
		return models.Driver{}, err
	}
	switch d.Status {
	case models.DriverOnlineBusy:
		return *d, fmt.Errorf("%w: driver %s has trip %s", models.ErrOnTrip, id, d.CurrentTripID)
	case models.DriverOffline:
		return *d, fmt.Errorf("%w: %s", models.ErrAlreadyOffline, id)
	}
	d.Status = models.DriverOffline
	d.Updated = r.now()
	r.index.Remove(d.ID)
	return *d, nil
}

// UpdatePosition records a location ping. Pings not newer than the last
// recorded one return ErrStaleUpdate and change nothing.
func (r *Registry) UpdatePosition(id string, pos models.Position) (models.Driver, error) {
	if pos.IsZero() {
		return models.Driver{}, fmt.Errorf("%w: position is required", models.ErrValidation)
	}
	if err := pos.Validate(); err != nil {
		return models.Driver{}, err
	}
	if pos.Timestamp.IsZero() {
		return models.Driver{}, fmt.Errorf("%w: position timestamp is required", models.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.getLocked(id)
	if err != nil {
		return models.Driver{}, err
	}
	if !pos.Timestamp.After(d.Position.Timestamp) {
		return *d, models.ErrStaleUpdate
	}
	d.Position = pos
	d.Updated = r.now()
	if d.Status == models.DriverOnlineIdle {
		r.index.Upsert(d.ID, d.Position, d.VehicleClass)
	}
	return *d, nil
}

// Assign claims an idle driver for tripID. It is the compare-and-set that
// keeps concurrent matchers from double-booking: only one caller sees the
// driver idle.
func (r *Registry) Assign(id, tripID string) (models.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.getLocked(id)
	if err != nil {
		return models.Driver{}, err
	}
	if d.Status != models.DriverOnlineIdle {
		return *d, fmt.Errorf("%w: %s is %s", models.ErrNotIdle, id, d.Status)
	}
	d.Status = models.DriverOnlineBusy
	d.CurrentTripID = tripID
	d.Updated = r.now()
	r.index.Remove(d.ID)
	return *d, nil
}

// Release returns a busy driver to the idle pool at its last position.
func (r *Registry) Release(id string) (models.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.getLocked(id)
	if err != nil {
		return models.Driver{}, err
	}
	if d.Status != models.DriverOnlineBusy {
		return *d, fmt.Errorf("%w: %s is %s", models.ErrNotBusy, id, d.Status)
	}
	d.Status = models.DriverOnlineIdle
	d.CurrentTripID = ""
	d.Updated = r.now()
	r.index.Upsert(d.ID, d.Position, d.VehicleClass)
	r.logger.Debug("driver released", "driver_id", id)
	return *d, nil
}

func (r *Registry) Get(id string) (models.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.getLocked(id)
	if err != nil {
		return models.Driver{}, err
	}
	return *d, nil
}

// Snapshot returns every driver ordered by id.
func (r *Registry) Snapshot() []models.Driver {
	r.mu.Lock()
	out := make([]models.Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, *d)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByStatus reports how many drivers are in each status.
func (r *Registry) CountByStatus() map[models.DriverStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[models.DriverStatus]int, 3)
	for _, d := range r.drivers {
		out[d.Status]++
	}
	return out
}

func (r *Registry) getLocked(id string) (*models.Driver, error) {
	d, ok := r.drivers[id]
	if !ok {
		return nil, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	return d, nil
}
