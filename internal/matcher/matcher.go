package matcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Geo interface {
	Nearest(p models.Coord, k int, maxRadiusM float64, filter geo.Filter) []geo.Candidate
}

type Registry interface {
	Assign(driverID, tripID string) (models.Driver, error)
	Release(driverID string) (models.Driver, error)
}

type Queue interface {
	PeekPending() iter.Seq[models.TripRequest]
	DequeueExpired() iter.Seq[models.TripRequest]
	MarkMatched(id, tripID, driverID string) (models.TripRequest, error)
	Len() int
}

type Trips interface {
	Create(tripID string, req models.TripRequest, driverID string) (models.Trip, error)
}

type Config struct {
	Tick           time.Duration
	RadiusStartM   float64
	RadiusStepM    float64
	RadiusMaxM     float64
	MaxCandidates  int
	AssignAttempts int
}

func DefaultConfig() Config {
	return Config{
		Tick:           time.Second,
		RadiusStartM:   5000,
		RadiusStepM:    5000,
		RadiusMaxM:     15000,
		MaxCandidates:  8,
		AssignAttempts: 3,
	}
}

type Outcome string

const (
	Matched  Outcome = "matched"
	NoDriver Outcome = "no_driver"
	Closed   Outcome = "closed" // cancelled or expired while we were matching
	Failed   Outcome = "failed"
)

// Result is the typed outcome of one request within a cycle.
type Result struct {
	RequestID string
	Outcome   Outcome
	TripID    string
	DriverID  string
	DistanceM float64
	Races     int
	Err       error
}

type CycleReport struct {
	Started  time.Time
	Duration time.Duration
	Expired  []models.TripRequest
	Results  []Result
}

func (r CycleReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Service pairs pending requests with idle drivers, oldest request first,
// nearest driver first, lowest driver id on equal distance. Cycles are
// serialized; the registry's compare-and-set assignment keeps it safe to run
// alongside other writers.
type Service struct {
	cfg      Config
	geo      Geo
	registry Registry
	queue    Queue
	trips    Trips
	events   events.Publisher
	logger   *slog.Logger
	newID    func() string

	mu   sync.Mutex
	kick chan struct{}
}

type Option func(*Service)

// WithIDGenerator overrides trip id generation for tests.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func New(cfg Config, g Geo, reg Registry, q Queue, trips Trips, pub events.Publisher, logger *slog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		geo:      g,
		registry: reg,
		queue:    q,
		trips:    trips,
		events:   pub,
		logger:   logger,
		newID:    uuid.NewString,
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (c Config) validate() error {
	var errs []error
	if c.RadiusStartM <= 0 || c.RadiusMaxM < c.RadiusStartM {
		errs = append(errs, fmt.Errorf("radius start %.0f / max %.0f invalid", c.RadiusStartM, c.RadiusMaxM))
	}
	if c.RadiusStepM <= 0 {
		errs = append(errs, errors.New("radius step must be > 0"))
	}
	if c.MaxCandidates <= 0 {
		errs = append(errs, errors.New("max candidates must be > 0"))
	}
	if c.AssignAttempts <= 0 {
		errs = append(errs, errors.New("assign attempts must be > 0"))
	}
	if c.Tick <= 0 {
		errs = append(errs, errors.New("tick must be > 0"))
	}
	return errors.Join(errs...)
}

// Kick asks the loop to run a cycle now instead of waiting for the tick.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run executes cycles every tick until ctx is done.
func (s *Service) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	s.logger.Info("matching loop started", "tick", s.cfg.Tick.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("matching loop stopped")
			return
		case <-t.C:
		case <-s.kick:
		}
		s.RunCycle(ctx)
	}
}

// RunCycle sweeps expired requests, then tries every pending request once.
// A failure on one request never aborts the others.
func (s *Service) RunCycle(ctx context.Context) CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := CycleReport{Started: time.Now()}
	rep.Expired = s.sweepLocked()
	for req := range s.queue.PeekPending() {
		if ctx.Err() != nil {
			break
		}
		rep.Results = append(rep.Results, s.tryMatch(req))
	}
	rep.Duration = time.Since(rep.Started)

	observability.MatchCycle.Observe(rep.Duration.Seconds())
	observability.PendingRequests.Set(float64(s.queue.Len()))
	s.logger.Debug("match cycle",
		"expired", len(rep.Expired),
		"attempted", len(rep.Results),
		"matched", rep.Count(Matched),
		"unmatched", rep.Count(NoDriver),
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return rep
}

func (s *Service) sweepLocked() []models.TripRequest {
	var out []models.TripRequest
	for req := range s.queue.DequeueExpired() {
		out = append(out, req)
		observability.RequestsExpired.Inc()
		observability.RequestsTotal.WithLabelValues(string(models.RequestExpired)).Inc()
		s.events.Publish(events.Event{Type: events.RequestExpired, RequestID: req.ID, RiderID: req.RiderID, Reason: "ttl"})
		s.logger.Info("request expired", "request_id", req.ID, "rider_id", req.RiderID)
	}
	return out
}

func (s *Service) tryMatch(req models.TripRequest) (res Result) {
	res = Result{RequestID: req.ID}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic while matching request", "request_id", req.ID, "panic", rec)
			res.Outcome, res.Err = Failed, fmt.Errorf("panic: %v", rec)
		}
	}()

	tried := make(map[string]struct{})
	filter := func(e geo.Entry) bool {
		if e.Class != req.VehicleClass {
			return false
		}
		_, seen := tried[e.DriverID]
		return !seen
	}
	attempts := 0
	for radius := s.cfg.RadiusStartM; ; radius = min(radius+s.cfg.RadiusStepM, s.cfg.RadiusMaxM) {
		for _, c := range s.geo.Nearest(req.Pickup.Coord, s.cfg.MaxCandidates, radius, filter) {
			if attempts >= s.cfg.AssignAttempts {
				return s.noDriver(res, req)
			}
			attempts++
			tried[c.DriverID] = struct{}{}

			done, out := s.claim(req, c)
			if !done {
				res.Races++
				observability.AssignmentRaces.Inc()
				continue
			}
			out.Races = res.Races
			return out
		}
		if radius >= s.cfg.RadiusMaxM {
			break
		}
	}
	return s.noDriver(res, req)
}

// claim assigns the driver, then conditionally marks the request matched.
// It reports done=false when the driver was lost to a concurrent claim.
func (s *Service) claim(req models.TripRequest, c geo.Candidate) (bool, Result) {
	res := Result{RequestID: req.ID}
	tripID := s.newID()
	driver, err := s.registry.Assign(c.DriverID, tripID)
	if err != nil {
		s.logger.Debug("assignment race", "request_id", req.ID, "driver_id", c.DriverID, "error", err)
		return false, res
	}

	matched, err := s.queue.MarkMatched(req.ID, tripID, c.DriverID)
	if err != nil {
		// the request was cancelled or expired under us; undo the claim
		if _, rerr := s.registry.Release(c.DriverID); rerr != nil {
			s.logger.Error("rollback assignment", "driver_id", c.DriverID, "error", rerr)
		}
		res.Outcome, res.Err = Closed, err
		return true, res
	}

	trip, err := s.trips.Create(tripID, matched, c.DriverID)
	if err != nil {
		s.logger.Error("create trip", "request_id", req.ID, "trip_id", tripID, "error", err)
		if _, rerr := s.registry.Release(c.DriverID); rerr != nil {
			s.logger.Error("rollback assignment", "driver_id", c.DriverID, "error", rerr)
		}
		res.Outcome, res.Err = Failed, err
		return true, res
	}

	observability.MatchesTotal.Inc()
	observability.RequestsTotal.WithLabelValues(string(models.RequestMatched)).Inc()
	s.events.Publish(events.Event{Type: events.RequestMatched, RequestID: req.ID, TripID: tripID, RiderID: req.RiderID, DriverID: c.DriverID, To: trip.State, Trip: &trip})
	s.events.Publish(events.Event{Type: events.DriverAssigned, RequestID: req.ID, TripID: tripID, RiderID: req.RiderID, DriverID: c.DriverID, Trip: &trip, Driver: &driver})
	s.logger.Info("request matched", "request_id", req.ID, "trip_id", tripID, "driver_id", c.DriverID, "distance_m", int(c.DistanceM))

	res.Outcome = Matched
	res.TripID = tripID
	res.DriverID = c.DriverID
	res.DistanceM = c.DistanceM
	return true, res
}

func (s *Service) noDriver(res Result, req models.TripRequest) Result {
	observability.UnmatchedTotal.Inc()
	res.Outcome = NoDriver
	res.Err = models.ErrNoDriverAvailable
	if res.Races > 0 {
		res.Err = fmt.Errorf("%w after %d lost candidates: %w", models.ErrNoDriverAvailable, res.Races, models.ErrAssignmentRace)
	}
	s.logger.Debug("no driver available", "request_id", req.ID, "races", res.Races)
	return res
}
