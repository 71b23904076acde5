// Package main is the entry point for the stand manager daemon.
// It discovers stand containers on the docker host and serves the
// management web interface on the configured port.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"standgroup/internal/config"
	"standgroup/internal/engine"
	"standgroup/internal/logger"
	"standgroup/internal/observability"
	"standgroup/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docker, err := engine.NewDockerClient()
	if err != nil {
		log.Fatalf("Failed to create docker client: %v", err)
	}
	defer docker.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "standd", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	eng := engine.New(slogger, docker, engine.Options{
		DomainName:      cfg.DomainName,
		Image:           cfg.Image,
		MaxActiveStands: cfg.MaxActiveStands,
		StopTimeout:     cfg.StopTimeout,
	})

	// Observable gauges read cached engine state only, so a scrape never
	// waits on the docker daemon.
	meter := otel.Meter("standd")
	_, err = meter.Int64ObservableGauge("standgroup.stands.known",
		metric.WithDescription("Number of discovered stand containers"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(eng.Counts().Known))
			return nil
		}),
	)
	if err != nil {
		log.Printf("Failed to register stands gauge: %v", err)
	}
	_, err = meter.Int64ObservableGauge("standgroup.stands.running",
		metric.WithDescription("Number of stand containers currently running"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(eng.Counts().Running))
			return nil
		}),
	)
	if err != nil {
		log.Printf("Failed to register running gauge: %v", err)
	}
	_, err = meter.Int64ObservableGauge("standgroup.queue.depth",
		metric.WithDescription("Number of tasks waiting across all database queues"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(eng.Counts().Queued))
			return nil
		}),
	)
	if err != nil {
		log.Printf("Failed to register queue depth gauge: %v", err)
	}

	// Discover stands before accepting requests so the first page load is
	// fast. A failure here is not fatal: the daemon may have been started
	// before the stand containers were created.
	if _, err := eng.Stands(ctx); err != nil {
		slogger.Warn("initial stand discovery failed", "err", err)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := web.New(addr, eng, cfg.DomainName, slogger, metricsHandler)

	go func() {
		slogger.Info("stand manager listening", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			slogger.Error("server stopped", "err", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slogger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	slogger.Info("server exited")
}
