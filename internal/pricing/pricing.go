package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Tolerance is the relative difference within which an estimate and a final
// fare computed at the nominal speed are considered to agree.
const Tolerance = 0.01

// Tariff is the tiered price list of one vehicle class. Kilometres up to
// FreeKm are covered by BaseFare; kilometres past LongDistanceKm are charged
// PerKm*LongDistanceMultiplier.
type Tariff struct {
	BaseFare               float64 `yaml:"base_fare"`
	PerKm                  float64 `yaml:"per_km"`
	FreeKm                 float64 `yaml:"free_km"`
	LongDistanceKm         float64 `yaml:"long_distance_km"`
	LongDistanceMultiplier float64 `yaml:"long_distance_multiplier"`
	PerMinute              float64 `yaml:"per_minute"`
	MinimumFare            float64 `yaml:"minimum_fare"`
}

func (t Tariff) validate() error {
	switch {
	case t.BaseFare < 0 || t.PerKm < 0 || t.PerMinute < 0 || t.MinimumFare < 0:
		return errors.New("rates must not be negative")
	case t.FreeKm < 0:
		return errors.New("free_km must not be negative")
	case t.LongDistanceKm < t.FreeKm:
		return errors.New("long_distance_km must be >= free_km")
	case t.LongDistanceMultiplier < 1:
		return errors.New("long_distance_multiplier must be >= 1")
	}
	return nil
}

type Config struct {
	Currency        string
	CommissionRate  float64 // platform share of each fare, 0..1
	NominalSpeedKmh float64 // used to derive the estimated duration
	TimeWeight      float64 // 0 disables the time component, 1 charges it in full
	Tariffs         map[models.VehicleClass]Tariff
}

// DefaultConfig mirrors the flat 4000 ARS fare with a 500 commission the
// product launched with, extended to per-km tiers.
func DefaultConfig() Config {
	return Config{
		Currency:        "ARS",
		CommissionRate:  0.125,
		NominalSpeedKmh: 30,
		TimeWeight:      0.5,
		Tariffs: map[models.VehicleClass]Tariff{
			models.VehicleSedan:   {BaseFare: 4000, PerKm: 350, FreeKm: 2, LongDistanceKm: 20, LongDistanceMultiplier: 1.25, PerMinute: 60, MinimumFare: 4000},
			models.VehicleVan:     {BaseFare: 5500, PerKm: 450, FreeKm: 2, LongDistanceKm: 20, LongDistanceMultiplier: 1.25, PerMinute: 80, MinimumFare: 5500},
			models.VehiclePremium: {BaseFare: 7000, PerKm: 600, FreeKm: 2, LongDistanceKm: 25, LongDistanceMultiplier: 1.2, PerMinute: 120, MinimumFare: 7000},
		},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Currency == "" {
		errs = append(errs, errors.New("currency is required"))
	}
	if c.CommissionRate < 0 || c.CommissionRate > 1 {
		errs = append(errs, errors.New("commission rate must be within 0..1"))
	}
	if c.NominalSpeedKmh <= 0 {
		errs = append(errs, errors.New("nominal speed must be > 0"))
	}
	if c.TimeWeight < 0 || c.TimeWeight > 1 {
		errs = append(errs, errors.New("time weight must be within 0..1"))
	}
	if len(c.Tariffs) == 0 {
		errs = append(errs, errors.New("at least one tariff is required"))
	}
	for class, t := range c.Tariffs {
		if err := t.validate(); err != nil {
			errs = append(errs, fmt.Errorf("tariff %s: %w", class, err))
		}
	}
	return errors.Join(errs...)
}

// Engine computes fares. It holds no mutable state; identical inputs always
// produce identical fares.
type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// NominalDurationMin is the travel time assumed for an estimate.
func (e *Engine) NominalDurationMin(distanceKm float64) float64 {
	return distanceKm / e.cfg.NominalSpeedKmh * 60
}

// Estimate prices a trip before it happens, assuming the nominal speed.
func (e *Engine) Estimate(distanceKm float64, class models.VehicleClass) (models.Fare, error) {
	return e.Finalize(distanceKm, e.NominalDurationMin(distanceKm), class)
}

// Finalize prices a completed trip from its measured distance and duration.
func (e *Engine) Finalize(distanceKm, durationMin float64, class models.VehicleClass) (models.Fare, error) {
	t, ok := e.cfg.Tariffs[class]
	if !ok {
		return models.Fare{}, fmt.Errorf("%w: no tariff for vehicle class %q", models.ErrValidation, class)
	}
	if !finite(distanceKm) || !finite(durationMin) || distanceKm < 0 || durationMin < 0 {
		return models.Fare{}, fmt.Errorf("%w: distance and duration must be finite and >= 0", models.ErrValidation)
	}
	amount := t.BaseFare + distanceCharge(t, distanceKm) + e.cfg.TimeWeight*t.PerMinute*durationMin
	amount = roundCents(math.Max(amount, t.MinimumFare))
	fee := roundCents(amount * e.cfg.CommissionRate)
	return models.Fare{
		Amount:         amount,
		Currency:       e.cfg.Currency,
		PlatformFee:    fee,
		DriverEarnings: roundCents(amount - fee),
		DistanceKm:     distanceKm,
		DurationMin:    durationMin,
	}, nil
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

// distanceCharge is continuous and non-decreasing in km.
func distanceCharge(t Tariff, km float64) float64 {
	if km <= t.FreeKm {
		return 0
	}
	if km <= t.LongDistanceKm {
		return (km - t.FreeKm) * t.PerKm
	}
	return (t.LongDistanceKm-t.FreeKm)*t.PerKm + (km-t.LongDistanceKm)*t.PerKm*t.LongDistanceMultiplier
}

// Agree reports whether two fares differ by no more than Tolerance.
func Agree(a, b models.Fare) bool {
	if a.Currency != b.Currency {
		return false
	}
	ref := math.Max(math.Abs(a.Amount), math.Abs(b.Amount))
	if ref == 0 {
		return true
	}
	return math.Abs(a.Amount-b.Amount)/ref <= Tolerance
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }
