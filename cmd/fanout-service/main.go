// fanout-service is the HTTP API and stream consumer for Web Push fan-outs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pushfanout/internal/api"
	"pushfanout/internal/config"
	"pushfanout/internal/dispatcher"
	"pushfanout/internal/fanout"
	"pushfanout/internal/gate"
	"pushfanout/internal/health"
	"pushfanout/internal/intake"
	"pushfanout/internal/observability"
	"pushfanout/internal/store"
	"pushfanout/internal/subscription"
	"pushfanout/internal/transport"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.NewLogger(os.Stdout, svcCfg.LogLevel))

	transportCfg := transport.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	rt := config.ResolveRuntime()
	slog.Info("Fanout runtime",
		"concurrency", rt.Concurrency,
		"retries", rt.RetryCount,
		"dedupe", rt.DedupeEnabled,
		"cleanDead", rt.DeadCleanupEnabled,
	)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the subscription and delivery store
	st, err := store.Open(ctx, store.Config{
		Driver:      svcCfg.StoreDriver,
		DatabaseURL: svcCfg.DatabaseURL,
		MaxConns:    svcCfg.StoreMaxConns,
		AutoMigrate: svcCfg.AutoMigrate,
		SQLitePath:  svcCfg.SQLitePath,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	sender, err := transport.NewWebPush(transportCfg)
	if err != nil {
		return err
	}
	if err := metrics.RegisterBreakerStats(sender.BreakerStats); err != nil {
		return err
	}

	deliveryGate := gate.New(st, gate.NewAvailability(), metrics)
	engine := fanout.New(fanout.Deps{
		Sender:      sender,
		Gate:        deliveryGate,
		Invalidator: subscription.NewInvalidator(st),
		Fetcher:     subscription.NewFetcher(st),
		Metrics:     metrics,
	})

	// Create async fan-out dispatcher
	fanoutDispatcher := dispatcher.NewMemory(dispatcherCfg, engine, metrics)

	checks := []health.Check{{Name: "store", Checker: st}}

	// Start stream intake when configured
	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	intakeDone := make(chan struct{})
	if svcCfg.IntakeRedisAddr != "" {
		redisClient, err := intake.NewClient(svcCfg.IntakeRedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		consumer := intake.NewConsumer(redisClient, intake.Config{
			Stream:     svcCfg.IntakeStream,
			Group:      svcCfg.IntakeGroup,
			Consumer:   svcCfg.IntakeConsumer,
			SigningKey: svcCfg.IntakeSigningKey,
		}, fanoutDispatcher, metrics)
		checks = append(checks, health.Check{Name: "intake", Checker: consumer, Optional: true})

		if svcCfg.IntakeSigningKey == "" {
			slog.Warn("Intake signature verification disabled - no INTAKE_SIGNING_KEY_FILE configured")
		}
		go func() {
			defer close(intakeDone)
			if err := consumer.Run(intakeCtx); err != nil {
				slog.Error("Intake consumer failed", "error", err)
			}
		}()
	} else {
		close(intakeDone)
		slog.Info("Stream intake disabled - no INTAKE_REDIS_ADDR configured")
	}

	// Create health checker
	healthChecker := health.NewChecker(checks...)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Engine:        engine,
		Deliveries:    deliveryGate,
		Dispatcher:    fanoutDispatcher,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		stopIntake()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop intake; unacked entries stay pending for the next start
	stopIntake()
	<-intakeDone

	// Phase 3: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 4: Drain queued fan-outs so started deliveries reach a terminal status
	slog.Info("Draining fanout dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer dispatcherCancel()
	if err := fanoutDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := fanoutDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"completed", stats.Completed,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"retries", stats.RetriesTotal,
	)

	slog.Info("Shutdown complete")
	return nil
}
