package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/medrex/consent-engine/internal/consent"
	"github.com/medrex/consent-engine/internal/counter"
	"github.com/medrex/consent-engine/pkg/config"
	"github.com/medrex/consent-engine/pkg/database"
	"github.com/medrex/consent-engine/pkg/logger"
	"github.com/medrex/consent-engine/pkg/monitoring"
	"github.com/medrex/consent-engine/pkg/retry"
)

const (
	serviceName    = "consent-service"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	log.WithFields(map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
	}).Info("Starting consent service")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Consent service stopped with error")
		os.Exit(1)
	}
	log.Info("Consent service stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetricsCollector(serviceName, prometheus.DefaultRegisterer)
	health := monitoring.NewHealthManager(serviceName, serviceVersion)

	tracing := monitoring.NewNoopTracingManager()
	if cfg.Monitoring.TracingEnabled {
		tm, err := monitoring.NewTracingManager(&monitoring.TracingConfig{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			JaegerEndpoint: cfg.Monitoring.JaegerEndpoint,
			Environment:    cfg.Monitoring.Environment,
			SamplingRate:   cfg.Monitoring.SamplingRate,
		})
		if err != nil {
			return err
		}
		tracing = tm
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	store, directory, closeStorage, err := openStorage(ctx, cfg, log, health)
	if err != nil {
		return err
	}
	defer closeStorage()

	counters, closeCounters, err := openCounters(ctx, cfg, log, health)
	if err != nil {
		return err
	}
	defer closeCounters()

	engine, err := consent.NewEngine(consent.Dependencies{
		Store:     store,
		Directory: directory,
		Notifier:  buildNotifier(cfg, log),
		Counters:  counters,
		Config:    cfg.Consent,
		Logger:    log,
		Metrics:   metrics,
		Tracing:   tracing,
	})
	if err != nil {
		return fmt.Errorf("failed to create consent engine: %w", err)
	}

	proxies, err := consent.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("failed to parse trusted proxies: %w", err)
	}
	handler := consent.NewHandler(
		engine,
		directory,
		consent.NewTokenValidator(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Audience),
		cfg.PatientAPI.BotSecret,
		consent.NewClientRateLimiter(cfg.PatientAPI.RequestsPerMinute),
		log,
	)
	handler.SetTrustedProxies(proxies)

	router := mux.NewRouter()
	mm := monitoring.NewMonitoringMiddleware(metrics, tracing, log, logger.ContextWithRequestID).
		WithRouteName(routeTemplate)
	router.Use(mm.HTTPMiddleware)
	router.HandleFunc(cfg.Monitoring.HealthPath, health.HTTPHandler()).Methods(http.MethodGet)
	handler.RegisterRoutes(router)

	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	serve(ctx, g, apiServer, cfg.Server.ShutdownTimeout, log.WithComponent("api"))

	if cfg.Monitoring.Enabled {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle(cfg.Monitoring.MetricsPath, metrics.Handler()).Methods(http.MethodGet)
		metricsRouter.HandleFunc(cfg.Monitoring.HealthPath, health.HTTPHandler()).Methods(http.MethodGet)
		metricsServer := &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Monitoring.MetricsPort),
			Handler:      metricsRouter,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		serve(ctx, g, metricsServer, cfg.Server.ShutdownTimeout, log.WithComponent("metrics"))
	}

	g.Go(func() error {
		return engine.RunSweeper(ctx, cfg.Consent.SweepInterval)
	})

	return g.Wait()
}

// serve runs srv until ctx is done, then drains it within timeout
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, timeout time.Duration, log *logrus.Entry) {
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
		}
		log.Info("HTTP server stopped")
		return nil
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func openStorage(ctx context.Context, cfg *config.Config, log *logger.Logger, health *monitoring.HealthManager) (consent.Store, consent.PatientDirectory, func(), error) {
	if cfg.Database.Driver == "memory" {
		log.WithComponent("database").Warn("Using in-memory consent store, state is lost on restart")
		return consent.NewMemoryStore(), consent.NewMemoryDirectory(), func() {}, nil
	}

	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Database.MigrateOnStart {
		if err := db.CreateSchema(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
	}
	health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))

	closeFn := func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("Failed to close database")
		}
	}
	return consent.NewPostgresStore(db), consent.NewSQLPatientDirectory(db), closeFn, nil
}

func openCounters(ctx context.Context, cfg *config.Config, log *logger.Logger, health *monitoring.HealthManager) (counter.Store, func(), error) {
	policy := retry.Policy{
		Timeout:     cfg.Consent.CounterTimeout,
		MaxRetries:  cfg.Consent.CounterMaxRetries,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
	}

	if cfg.Redis.Backend == "memory" {
		log.WithComponent("counter").Warn("Using in-memory counter store, limits are per process")
		return counter.NewResilient(counter.NewMemoryStore(), policy), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	store := counter.NewRedisStore(client, cfg.Redis.KeyPrefix)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	health.RegisterChecker("redis", monitoring.NewPingHealthChecker(store, true))

	closeFn := func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("Failed to close redis client")
		}
	}
	return counter.NewResilient(store, policy), closeFn, nil
}

func buildNotifier(cfg *config.Config, log *logger.Logger) consent.Notifier {
	if cfg.Notification.BotURL == "" {
		log.WithComponent("notification").Warn("No bot endpoint configured, one-time codes will not be delivered")
		return consent.NoopNotifier{}
	}
	return consent.NewRetryingNotifier(
		consent.NewBotNotifier(cfg.Notification.BotURL, cfg.Notification.BotSecret, cfg.Notification.Timeout),
		retry.Policy{
			Timeout:     cfg.Notification.Timeout,
			MaxRetries:  cfg.Notification.MaxRetries,
			BaseBackoff: cfg.Notification.Backoff,
			MaxBackoff:  5 * time.Second,
		},
	)
}
