package pricing

import (
	"fmt"
	"os"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"

	"github.com/example/ride-dispatch/internal/models"
)

// tariffFile is the on-disk shape of a pricing file. Zero values keep the
// defaults they overlay.
type tariffFile struct {
	Currency        string            `yaml:"currency"`
	CommissionRate  *float64          `yaml:"commission_rate"`
	NominalSpeedKmh float64           `yaml:"nominal_speed_kmh"`
	TimeWeight      *float64          `yaml:"time_weight"`
	Tariffs         map[string]Tariff `yaml:"tariffs"`
}

// LoadFile overlays a YAML pricing file on base. ${VAR} references are
// expanded from the environment before parsing, with ${VAR:-default}
// fallbacks supported.
func LoadFile(path string, base Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read pricing file: %w", err)
	}
	return parse(raw, base)
}

func parse(raw []byte, base Config) (Config, error) {
	expanded, err := envsubst.EvalEnv(string(raw))
	if err != nil {
		return Config{}, fmt.Errorf("expand pricing file: %w", err)
	}
	var f tariffFile
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return Config{}, fmt.Errorf("parse pricing file: %w", err)
	}

	cfg := base
	cfg.Tariffs = make(map[models.VehicleClass]Tariff, len(base.Tariffs))
	for k, v := range base.Tariffs {
		cfg.Tariffs[k] = v
	}
	if f.Currency != "" {
		cfg.Currency = f.Currency
	}
	if f.CommissionRate != nil {
		cfg.CommissionRate = *f.CommissionRate
	}
	if f.NominalSpeedKmh > 0 {
		cfg.NominalSpeedKmh = f.NominalSpeedKmh
	}
	if f.TimeWeight != nil {
		cfg.TimeWeight = *f.TimeWeight
	}
	for name, t := range f.Tariffs {
		class := models.VehicleClass(name)
		if !class.Valid() {
			return Config{}, fmt.Errorf("pricing file: unknown vehicle class %q", name)
		}
		cfg.Tariffs[class] = t
	}
	return cfg, cfg.Validate()
}
