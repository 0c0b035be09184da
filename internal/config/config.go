package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/subosito/gotenv"

	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/pricing"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	MatchTick          time.Duration
	RequestTTL         time.Duration
	RequestRetention   time.Duration
	TripRetention      time.Duration
	RadiusStartM       float64
	RadiusStepM        float64
	RadiusMaxM         float64
	MaxCandidates      int
	AssignAttempts     int
	GeoPrecision       int
	LinearScanBelow    int
	NominalSpeedKmh    float64
	EventBuffer        int
	PricingFile        string
	PaymentCurrency    string
	PaymentTimeout     time.Duration
	RouteCacheTTL      time.Duration
	OSRMEndpoint       string
	PushEndpoint       string
	FCMEndpoint        string
	FCMKey             string
	StripeAPIKey       string
	StripeWebhookKey   string
	JWTSecret          string
	EventDeliveryLimit time.Duration

	KafkaBrokers      []string
	KafkaEventsTopic  string
	KafkaDriversTopic string

	AMQPURL string

	PGDSN string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		MatchTick:          time.Second,
		RequestTTL:         60 * time.Second,
		RequestRetention:   15 * time.Minute,
		TripRetention:      time.Hour,
		RadiusStartM:       5000,
		RadiusStepM:        5000,
		RadiusMaxM:         15000,
		MaxCandidates:      8,
		AssignAttempts:     3,
		GeoPrecision:       6,
		LinearScanBelow:    64,
		NominalSpeedKmh:    30,
		EventBuffer:        1024,
		PaymentTimeout:     30 * time.Second,
		RouteCacheTTL:      10 * time.Minute,
		EventDeliveryLimit: 3 * time.Second,
		KafkaEventsTopic:   "dispatch-events",
		KafkaDriversTopic:  "driver-locations",
		LogLevel:           "info",
	}
}

// LoadDotEnv reads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := gotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.MatchTick, "MATCH_TICK", &errs)
	setDurationFromEnv(&cfg.RequestTTL, "REQUEST_TTL", &errs)
	setDurationFromEnv(&cfg.RequestRetention, "REQUEST_RETENTION", &errs)
	setDurationFromEnv(&cfg.TripRetention, "TRIP_RETENTION", &errs)
	setFloatFromEnv(&cfg.RadiusStartM, "MATCH_RADIUS_START_M", &errs)
	setFloatFromEnv(&cfg.RadiusStepM, "MATCH_RADIUS_STEP_M", &errs)
	setFloatFromEnv(&cfg.RadiusMaxM, "MATCH_RADIUS_MAX_M", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "MATCH_MAX_CANDIDATES", &errs)
	setIntFromEnv(&cfg.AssignAttempts, "MATCH_ASSIGN_ATTEMPTS", &errs)
	setIntFromEnv(&cfg.GeoPrecision, "GEO_PRECISION", &errs)
	setIntFromEnv(&cfg.LinearScanBelow, "GEO_LINEAR_SCAN_BELOW", &errs)
	setFloatFromEnv(&cfg.NominalSpeedKmh, "NOMINAL_SPEED_KMH", &errs)
	setIntFromEnv(&cfg.EventBuffer, "EVENT_BUFFER", &errs)
	setDurationFromEnv(&cfg.EventDeliveryLimit, "EVENT_DELIVERY_TIMEOUT", &errs)

	cfg.PricingFile = strings.TrimSpace(os.Getenv("PRICING_FILE"))
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")
	setDurationFromEnv(&cfg.PaymentTimeout, "PAYMENT_TIMEOUT", &errs)
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookKey = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaDriversTopic, "KAFKA_DRIVERS_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.GeoPrecision < 1 || cfg.GeoPrecision > 12 {
		errs = append(errs, fmt.Errorf("GEO_PRECISION must be within 1..12"))
	}
	if cfg.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// EngineConfig builds the dispatch engine settings, overlaying the tariff
// file when one is configured.
func (c ServerConfig) EngineConfig() (engine.Config, error) {
	ec := engine.DefaultConfig()
	ec.Match.Tick = c.MatchTick
	ec.Match.RadiusStartM = c.RadiusStartM
	ec.Match.RadiusStepM = c.RadiusStepM
	ec.Match.RadiusMaxM = c.RadiusMaxM
	ec.Match.MaxCandidates = c.MaxCandidates
	ec.Match.AssignAttempts = c.AssignAttempts
	ec.RequestTTL = c.RequestTTL
	ec.RequestRetention = c.RequestRetention
	ec.TripRetention = c.TripRetention
	ec.GeoPrecision = uint(c.GeoPrecision)
	ec.LinearScanBelow = c.LinearScanBelow
	ec.PaymentTimeout = c.PaymentTimeout

	pc := pricing.DefaultConfig()
	pc.NominalSpeedKmh = c.NominalSpeedKmh
	if c.PaymentCurrency != "" {
		pc.Currency = strings.ToUpper(c.PaymentCurrency)
	}
	if c.PricingFile != "" {
		var err error
		if pc, err = pricing.LoadFile(c.PricingFile, pc); err != nil {
			return engine.Config{}, fmt.Errorf("PRICING_FILE: %w", err)
		}
	}
	ec.Pricing = pc
	return ec, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConsumerConfig configures the Redis projection process.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	DriversTopic  string
	EventsTopic   string
	GroupID       string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		DriversTopic:  "driver-locations",
		EventsTopic:   "dispatch-events",
		GroupID:       "ride-dispatch-projector",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.DriversTopic, "KAFKA_DRIVERS_TOPIC")
	setStringFromEnv(&cfg.EventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be >= 1"))
	}
	return cfg, errors.Join(errs...)
}
