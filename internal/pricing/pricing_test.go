package pricing

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestEstimateTiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeWeight = 0
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		km   float64
		want float64
	}{
		{name: "zero", km: 0, want: 4000},
		{name: "inside free km", km: 1.5, want: 4000},
		{name: "per km", km: 12, want: 4000 + 10*350},
		{name: "at long threshold", km: 20, want: 4000 + 18*350},
		{name: "long distance", km: 30, want: 4000 + 18*350 + 10*350*1.25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := e.Estimate(tc.km, models.VehicleSedan)
			if err != nil {
				t.Fatalf("estimate: %v", err)
			}
			if math.Abs(f.Amount-tc.want) > 0.001 {
				t.Fatalf("got %.2f, want %.2f", f.Amount, tc.want)
			}
		})
	}
}

func TestEstimateIsMonotonic(t *testing.T) {
	e := newEngine(t)
	for _, class := range []models.VehicleClass{models.VehicleSedan, models.VehicleVan, models.VehiclePremium} {
		prev := -1.0
		for km := 0.0; km <= 60; km += 0.25 {
			f, err := e.Estimate(km, class)
			if err != nil {
				t.Fatalf("estimate: %v", err)
			}
			if f.Amount < prev {
				t.Fatalf("%s: fare dropped at %.2fkm: %.2f < %.2f", class, km, f.Amount, prev)
			}
			prev = f.Amount
		}
	}
}

func TestEstimateAgreesWithFinalizeAtNominalSpeed(t *testing.T) {
	e := newEngine(t)
	for _, km := range []float64{0, 1, 3.7, 12, 20, 44.4} {
		est, _ := e.Estimate(km, models.VehicleVan)
		fin, _ := e.Finalize(km, km/DefaultConfig().NominalSpeedKmh*60, models.VehicleVan)
		if !Agree(est, fin) {
			t.Fatalf("%.1fkm: estimate %.2f vs final %.2f", km, est.Amount, fin.Amount)
		}
	}
}

func TestFinalizeIsDeterministicAndSplitsCommission(t *testing.T) {
	e := newEngine(t)
	a, _ := e.Finalize(8.3, 21, models.VehicleSedan)
	b, _ := e.Finalize(8.3, 21, models.VehicleSedan)
	if a != b {
		t.Fatalf("expected identical fares, got %+v and %+v", a, b)
	}
	if math.Abs(a.PlatformFee+a.DriverEarnings-a.Amount) > 0.011 {
		t.Fatalf("split does not add up: %+v", a)
	}
	if a.Currency != "ARS" {
		t.Fatalf("unexpected currency %s", a.Currency)
	}
	if base, _ := e.Finalize(0, 0, models.VehicleSedan); base.PlatformFee != 500 {
		t.Fatalf("expected 500 commission on the base fare, got %.2f", base.PlatformFee)
	}
}

func TestFinalizeRejectsBadInput(t *testing.T) {
	e := newEngine(t)
	bad := []struct{ km, min float64 }{
		{-1, 0},
		{math.NaN(), 10},
		{math.Inf(1), 10},
		{5, math.Inf(1)},
		{math.Inf(-1), 0},
	}
	for _, b := range bad {
		if _, err := e.Finalize(b.km, b.min, models.VehicleSedan); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("Finalize(%v, %v): expected ErrValidation, got %v", b.km, b.min, err)
		}
	}
	if _, err := e.Estimate(1, "bus"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommissionRate = 2
	tr := cfg.Tariffs[models.VehicleSedan]
	tr.LongDistanceMultiplier = 0.5
	cfg.Tariffs[models.VehicleSedan] = tr
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected validation errors")
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	t.Setenv("VAN_BASE", "6000")
	path := filepath.Join(t.TempDir(), "pricing.yml")
	body := `
currency: ${FARE_CURRENCY:-USD}
commission_rate: 0.2
tariffs:
  van:
    base_fare: ${VAN_BASE}
    per_km: 500
    free_km: 1
    long_distance_km: 30
    long_distance_multiplier: 1.5
    per_minute: 10
    minimum_fare: 6000
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path, DefaultConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Currency != "USD" || cfg.CommissionRate != 0.2 {
		t.Fatalf("unexpected header: %+v", cfg)
	}
	if cfg.Tariffs[models.VehicleVan].BaseFare != 6000 {
		t.Fatalf("expected van base 6000, got %+v", cfg.Tariffs[models.VehicleVan])
	}
	if cfg.Tariffs[models.VehicleSedan].BaseFare != 4000 {
		t.Fatalf("sedan default lost")
	}
	if DefaultConfig().Tariffs[models.VehicleVan].BaseFare != 5500 {
		t.Fatalf("defaults mutated")
	}
}

func TestLoadFileRejectsUnknownClass(t *testing.T) {
	if _, err := parse([]byte("tariffs:\n  bus:\n    base_fare: 1\n    long_distance_multiplier: 1\n"), DefaultConfig()); err == nil {
		t.Fatalf("expected error for unknown class")
	}
}
