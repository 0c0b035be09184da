package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/trip"
)

type Config struct {
	Match           matcher.Config
	RequestTTL      time.Duration
	GeoPrecision    uint
	LinearScanBelow int
	Pricing         pricing.Config
	PaymentTimeout  time.Duration

	// How long closed requests and settled terminal trips stay readable.
	// Zero keeps them forever.
	RequestRetention time.Duration
	TripRetention    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Match:           matcher.DefaultConfig(),
		RequestTTL:      60 * time.Second,
		GeoPrecision:    6,
		LinearScanBelow: 64,
		Pricing:         pricing.DefaultConfig(),
		PaymentTimeout:  30 * time.Second,

		RequestRetention: 15 * time.Minute,
		TripRetention:    time.Hour,
	}
}

// RouteEstimator answers pickup-to-destination estimates. eta.Estimator
// satisfies it.
type RouteEstimator interface {
	Route(ctx context.Context, from, to models.Coord) eta.Route
}

// Engine owns every dispatch component and exposes the operations callers
// (HTTP, tests) drive them through. There is no state outside it.
type Engine struct {
	cfg      Config
	index    *geo.Index
	registry *registry.Registry
	queue    *queue.Queue
	trips    *trip.Book
	pricing  *pricing.Engine
	matcher  *matcher.Service
	routes   RouteEstimator
	gateway  payments.Gateway
	feed     DriverFeed
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	payments sync.WaitGroup
}

// DriverFeed receives a driver snapshot after every registry change made
// through the engine.
type DriverFeed interface {
	PublishDriver(d models.Driver) error
}

type Option func(*Engine)

// WithClock drives every component from the same clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides request and trip ids.
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

func WithRoutes(r RouteEstimator) Option { return func(e *Engine) { e.routes = r } }

func WithGateway(g payments.Gateway) Option { return func(e *Engine) { e.gateway = g } }

func WithDriverFeed(f DriverFeed) Option { return func(e *Engine) { e.feed = f } }

func New(cfg Config, pub events.Publisher, logger *slog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		events:  pub,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		gateway: payments.NopGateway{},
	}
	for _, o := range opts {
		o(e)
	}
	if cfg.RequestTTL <= 0 {
		return nil, fmt.Errorf("%w: request ttl must be > 0", models.ErrValidation)
	}
	if e.routes == nil {
		e.routes = &eta.Estimator{SpeedKmh: cfg.Pricing.NominalSpeedKmh, Logger: logger}
	}

	pe, err := pricing.New(cfg.Pricing)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	e.pricing = pe
	e.index = geo.NewIndex(cfg.GeoPrecision, cfg.LinearScanBelow)
	e.registry = registry.New(e.index, logger, registry.WithClock(e.now))
	e.queue = queue.New(cfg.RequestTTL, queue.WithClock(e.now), queue.WithRetention(cfg.RequestRetention))
	e.trips = trip.NewBook(e.registry, pe, logger, trip.WithClock(e.now), trip.WithChangeFunc(e.onTripChange), trip.WithPaymentFunc(e.onPaymentChange))

	m, err := matcher.New(cfg.Match, e.index, e.registry, e.queue, e.trips, pub, logger, matcher.WithIDGenerator(e.newID))
	if err != nil {
		return nil, fmt.Errorf("matcher: %w", err)
	}
	e.matcher = m
	return e, nil
}

// Run drives the matching loop until ctx is done, then waits for in-flight
// payment calls.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(e.cfg.Match.Tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.housekeep()
			}
		}
	}()
	e.matcher.Run(ctx)
	wg.Wait()
	e.payments.Wait()
}

// RunCycle runs one matching cycle synchronously.
func (e *Engine) RunCycle(ctx context.Context) matcher.CycleReport {
	rep := e.matcher.RunCycle(ctx)
	e.refreshGauges()
	return rep
}

// WaitPayments blocks until every started charge has reported back.
func (e *Engine) WaitPayments() { e.payments.Wait() }

// SubmitInput is a rider's trip request. Identity comes from the auth
// collaborator and is trusted as-is.
type SubmitInput struct {
	RiderID      string              `json:"rider_id"`
	Pickup       models.Place        `json:"pickup"`
	Destination  models.Place        `json:"destination"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

// SubmitRequest validates, prices and enqueues a request, then nudges the
// matcher.
func (e *Engine) SubmitRequest(ctx context.Context, in SubmitInput) (models.TripRequest, error) {
	if in.VehicleClass == "" {
		in.VehicleClass = models.VehicleSedan
	}
	req := models.TripRequest{
		ID:           e.newID(),
		RiderID:      in.RiderID,
		Pickup:       in.Pickup,
		Destination:  in.Destination,
		VehicleClass: in.VehicleClass,
	}
	if err := req.Validate(); err != nil {
		return models.TripRequest{}, err
	}
	route := e.routes.Route(ctx, req.Pickup.Coord, req.Destination.Coord)
	fare, err := e.pricing.Estimate(route.DistanceKm(), req.VehicleClass)
	if err != nil {
		return models.TripRequest{}, fmt.Errorf("estimate fare: %w", err)
	}
	req.Estimate = fare

	out, err := e.queue.Enqueue(req)
	if err != nil {
		return models.TripRequest{}, err
	}
	observability.PendingRequests.Set(float64(e.queue.Len()))
	e.logger.Info("request submitted", "request_id", out.ID, "rider_id", out.RiderID, "class", out.VehicleClass, "estimate", fare.Amount)
	e.matcher.Kick()
	return out, nil
}

// CancelRequest withdraws a pending request. It fails with ErrNotFound when
// the request is unknown or no longer pending, including when a match won.
func (e *Engine) CancelRequest(requestID, riderID string) (models.TripRequest, error) {
	if riderID != "" {
		req, err := e.queue.Get(requestID)
		if err != nil {
			return models.TripRequest{}, err
		}
		if req.RiderID != riderID {
			return models.TripRequest{}, fmt.Errorf("%w: request %s", models.ErrNotParticipant, requestID)
		}
	}
	req, err := e.queue.Cancel(requestID)
	if err != nil {
		return models.TripRequest{}, err
	}
	observability.RequestsTotal.WithLabelValues(string(models.RequestCancelled)).Inc()
	observability.PendingRequests.Set(float64(e.queue.Len()))
	e.logger.Info("request cancelled", "request_id", req.ID, "rider_id", req.RiderID)
	return req, nil
}

func (e *Engine) GetRequest(requestID string) (models.TripRequest, error) {
	return e.queue.Get(requestID)
}

func (e *Engine) RegisterDriver(id string, class models.VehicleClass, rating float64) (models.Driver, error) {
	d, err := e.registry.Register(id, class, rating)
	if err != nil {
		return d, err
	}
	e.logger.Info("driver registered", "driver_id", id, "class", class)
	e.refreshGauges()
	e.publishDriver(d)
	return d, nil
}

func (e *Engine) DriverGoOnline(driverID string, pos models.Position) (models.Driver, error) {
	d, err := e.registry.GoOnline(driverID, pos)
	if err != nil {
		return d, err
	}
	e.logger.Info("driver online", "driver_id", driverID, "lat", d.Position.Lat, "lng", d.Position.Lon)
	e.refreshGauges()
	e.publishDriver(d)
	e.matcher.Kick()
	return d, nil
}

func (e *Engine) DriverGoOffline(driverID string) (models.Driver, error) {
	d, err := e.registry.GoOffline(driverID)
	if err != nil {
		return d, err
	}
	e.logger.Info("driver offline", "driver_id", driverID)
	e.refreshGauges()
	e.publishDriver(d)
	return d, nil
}

// DriverUpdatePosition records a location ping. Out-of-order pings are
// dropped silently: applied is false and err is nil.
func (e *Engine) DriverUpdatePosition(driverID string, pos models.Position) (d models.Driver, applied bool, err error) {
	d, err = e.registry.UpdatePosition(driverID, pos)
	if errors.Is(err, models.ErrStaleUpdate) {
		observability.StaleUpdates.Inc()
		e.logger.Debug("stale position ignored", "driver_id", driverID, "ts", pos.Timestamp)
		return d, false, nil
	}
	if err != nil {
		return d, false, err
	}
	e.publishDriver(d)
	return d, true, nil
}

func (e *Engine) publishDriver(d models.Driver) {
	if e.feed == nil {
		return
	}
	if err := e.feed.PublishDriver(d); err != nil {
		e.logger.Warn("publish driver snapshot", "driver_id", d.ID, "error", err)
	}
}

func (e *Engine) GetDriver(driverID string) (models.Driver, error) {
	return e.registry.Get(driverID)
}

// ListIdleDrivers returns idle drivers within radiusM of p, nearest first.
// An empty class matches every class.
func (e *Engine) ListIdleDrivers(p models.Coord, radiusM float64, class models.VehicleClass, limit int) ([]geo.Candidate, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if radiusM <= 0 {
		radiusM = e.cfg.Match.RadiusMaxM
	}
	if limit <= 0 {
		limit = 50
	}
	var filter geo.Filter
	if class != "" {
		if !class.Valid() {
			return nil, fmt.Errorf("%w: unknown vehicle class %q", models.ErrValidation, class)
		}
		filter = geo.ClassFilter(class)
	}
	return e.index.Nearest(p, limit, radiusM, filter), nil
}

func (e *Engine) DriverAcceptTrip(tripID, driverID string) (models.Trip, error) {
	m, err := e.trips.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	return m.Accept(driverID)
}

func (e *Engine) DriverMarkArrived(tripID, driverID string) (models.Trip, error) {
	m, err := e.trips.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	return m.MarkArrived(driverID)
}

func (e *Engine) DriverStartTrip(tripID, driverID string) (models.Trip, error) {
	m, err := e.trips.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	return m.Start(driverID)
}

// DriverCompleteTrip finalizes the fare, frees the driver and starts the
// charge in the background. The outcome lands through OnPaymentResult.
func (e *Engine) DriverCompleteTrip(tripID, driverID string, distanceKm, durationMin float64) (models.Trip, error) {
	m, err := e.trips.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	t, err := m.Complete(driverID, distanceKm, durationMin)
	if err != nil {
		return t, err
	}
	e.charge(t)
	return t, nil
}

func (e *Engine) charge(t models.Trip) {
	e.payments.Add(1)
	go func() {
		defer e.payments.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PaymentTimeout)
		defer cancel()
		status := models.PaymentSucceeded
		ref, err := e.gateway.Charge(ctx, t)
		if err != nil {
			status = models.PaymentFailed
			e.logger.Error("charge failed", "trip_id", t.ID, "reference", ref, "error", err)
		}
		if _, err := e.OnPaymentResult(t.ID, status); err != nil {
			e.logger.Error("record payment result", "trip_id", t.ID, "error", err)
		}
	}()
}

// CancelTrip ends a trip before it starts on behalf of actor.
func (e *Engine) CancelTrip(tripID, reason string, actor models.Actor) (models.Trip, error) {
	m, err := e.trips.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	return m.Cancel(reason, actor)
}

func (e *Engine) GetTripStatus(tripID string) (models.Trip, error) {
	m, err := e.trips.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	return m.Snapshot(), nil
}

// OnPaymentResult records the gateway's outcome for a completed trip.
func (e *Engine) OnPaymentResult(tripID string, status models.PaymentStatus) (models.Trip, error) {
	if status != models.PaymentSucceeded && status != models.PaymentFailed {
		return models.Trip{}, fmt.Errorf("%w: payment status %q", models.ErrValidation, status)
	}
	m, err := e.trips.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	t, err := m.SetPaymentStatus(status)
	if err != nil {
		return t, err
	}
	observability.Payments.WithLabelValues(string(status)).Inc()
	e.logger.Info("payment recorded", "trip_id", tripID, "status", status)
	return t, nil
}

// onPaymentChange runs under the trip lock. The snapshot lets projections
// pick up the payment outcome.
func (e *Engine) onPaymentChange(t models.Trip) {
	snap := t
	e.events.Publish(events.Event{
		Type:      events.PaymentRecorded,
		At:        e.now(),
		RequestID: t.RequestID,
		TripID:    t.ID,
		RiderID:   t.RiderID,
		DriverID:  t.DriverID,
		Payment:   t.PaymentStatus,
		Trip:      &snap,
	})
}

// onTripChange runs under the trip lock; it only publishes and counts.
func (e *Engine) onTripChange(t models.Trip, tr models.Transition, released *models.Driver) {
	observability.TripTransitions.WithLabelValues(string(tr.To)).Inc()
	snap := t
	e.events.Publish(events.Event{
		Type:      events.TripStateChanged,
		At:        tr.At,
		RequestID: t.RequestID,
		TripID:    t.ID,
		RiderID:   t.RiderID,
		DriverID:  t.DriverID,
		From:      tr.From,
		To:        tr.To,
		Reason:    tr.Reason,
		Trip:      &snap,
		Driver:    released,
	})
	e.logger.Info("trip transition", "trip_id", t.ID, "from", tr.From, "to", tr.To, "actor", tr.Actor.Role)
	if released != nil {
		e.matcher.Kick()
	}
}

// housekeep drops closed requests and settled trips past their retention
// window, then refreshes the gauges.
func (e *Engine) housekeep() {
	reqs := e.queue.Prune()
	trips := 0
	if e.cfg.TripRetention > 0 {
		trips = e.trips.Prune(e.now().Add(-e.cfg.TripRetention))
	}
	if reqs > 0 || trips > 0 {
		observability.Evicted.WithLabelValues("request").Add(float64(reqs))
		observability.Evicted.WithLabelValues("trip").Add(float64(trips))
		e.logger.Debug("evicted closed records", "requests", reqs, "trips", trips)
	}
	e.refreshGauges()
}

func (e *Engine) refreshGauges() {
	for _, s := range []models.DriverStatus{models.DriverOffline, models.DriverOnlineIdle, models.DriverOnlineBusy} {
		observability.DriversByStatus.WithLabelValues(string(s)).Set(0)
	}
	for s, n := range e.registry.CountByStatus() {
		observability.DriversByStatus.WithLabelValues(string(s)).Set(float64(n))
	}
	for _, s := range []models.TripState{models.TripMatched, models.TripAccepted, models.TripArrived, models.TripInProgress, models.TripCompleted, models.TripCancelled} {
		observability.TripsByState.WithLabelValues(string(s)).Set(0)
	}
	for s, n := range e.trips.CountByState() {
		observability.TripsByState.WithLabelValues(string(s)).Set(float64(n))
	}
}
