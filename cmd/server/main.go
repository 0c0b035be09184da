package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ecfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	bus := events.NewBus(cfg.EventBuffer, logger,
		events.WithDeliveryTimeout(cfg.EventDeliveryLimit),
		events.WithDropHook(func(events.Event) { observability.EventsDropped.Inc() }),
		events.WithFailHook(func(sink string, _ events.Event) { observability.EventFailures.WithLabelValues(sink).Inc() }),
	)
	var closers []func() error

	ws := dispatch.NewWSRegistry(logger)
	bus.Attach(ws)
	if cfg.PushEndpoint != "" {
		bus.Attach(dispatch.NewPushDispatcher(cfg.PushEndpoint, ws))
	}
	if cfg.FCMEndpoint != "" {
		bus.Attach(dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey))
	}

	var store storage.TripStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = pg
	}
	bus.Attach(&storage.Projector{Store: store})

	opts := []engine.Option{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaDriversTopic)
		closers = append(closers, kp.Close)
		bus.Attach(kp)
		opts = append(opts, engine.WithDriverFeed(kp))
	}
	if cfg.AMQPURL != "" {
		rp, err := ingest.NewRabbitPublisher(cfg.AMQPURL, logger)
		if err != nil {
			return err
		}
		closers = append(closers, rp.Close)
		bus.Attach(rp)
	}

	est := &eta.Estimator{SpeedKmh: cfg.NominalSpeedKmh, Logger: logger}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		est.Cache = eta.NewCache(cfg.RouteCacheTTL)
	}
	opts = append(opts, engine.WithRoutes(est))

	srvOpts := []httpapi.Option{}
	if cfg.StripeAPIKey != "" {
		sg := payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookKey)
		opts = append(opts, engine.WithGateway(sg))
		srvOpts = append(srvOpts, httpapi.WithWebhook(sg))
	}
	if cfg.JWTSecret != "" {
		srvOpts = append(srvOpts, httpapi.WithAuthenticator(httpapi.NewAuthenticator(cfg.JWTSecret)))
	} else {
		logger.Warn("JWT_SECRET not set, trusting identity headers")
	}

	eng, err := engine.New(ecfg, bus, logger, opts...)
	if err != nil {
		return err
	}

	// the bus outlives the engine so events from the last cycle are drained
	busCtx, stopBus := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); bus.Run(busCtx) }()
	go func() { defer wg.Done(); eng.Run(ctx); stopBus() }()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(eng, ws, logger, srvOpts...),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		stop()
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	errs := []error{serveErr, srv.Shutdown(shutdownCtx)}
	wg.Wait()
	for _, c := range closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
