package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func main() {
	_ = config.LoadDotEnv(".env")
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("dispatch-projector", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	go func() {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, healthMux(rc, rg)); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.DriversTopic, cfg.EventsTopic},
		MinBytes:    10e3,
		MaxBytes:    10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	p := &projector{
		store:        rg,
		driversTopic: cfg.DriversTopic,
		eventsTopic:  cfg.EventsTopic,
		attempts:     cfg.RetryAttempts,
		delay:        cfg.RetryDelay,
		logger:       logger,
	}
	logger.Info("consumer listening", "topics", []string{cfg.DriversTopic, cfg.EventsTopic}, "brokers", cfg.KafkaBrokers, "group", cfg.GroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		p.handle(ctx, m)
	}
}

type nearbyFinder interface {
	Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.Driver, error)
}

func healthMux(rc *redis.Client, nf nearbyFinder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	mux.HandleFunc("/drivers/nearby", nearbyHandler(nf))
	return mux
}

// nearbyHandler serves the projected idle drivers around lat/lng.
func nearbyHandler(nf nearbyFinder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
		lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
		if err1 != nil || err2 != nil {
			http.Error(w, "lat and lng are required", http.StatusBadRequest)
			return
		}
		radius := 5000.0
		if v := q.Get("radius_m"); v != "" {
			if radius, err1 = strconv.ParseFloat(v, 64); err1 != nil || radius <= 0 {
				http.Error(w, "invalid radius_m", http.StatusBadRequest)
				return
			}
		}
		limit := 20
		if v := q.Get("limit"); v != "" {
			if limit, err1 = strconv.Atoi(v); err1 != nil || limit <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
		}
		drivers, err := nf.Nearby(r.Context(), lat, lng, radius, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"drivers": drivers})
	}
}
