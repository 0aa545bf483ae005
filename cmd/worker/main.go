// Command main runs the outbound job worker and the reconciliation sweep.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"safeline/internal/config"
	"safeline/internal/observability"
	"safeline/internal/server"

	"github.com/sourcegraph/conc"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  "safeline-worker",
		Environment:  cfg.Env,
		Enabled:      cfg.TracingEnabled,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplerRatio: cfg.TracingSamplerRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// The worker shares the server's wiring but never listens.
	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create worker: %v", err)
	}
	components := srv.Components()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := components.Queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Job queue stopped: %v", err)
		}
	})
	wg.Go(func() {
		interval := time.Duration(cfg.ReconcileIntervalSeconds) * time.Second
		if err := components.Reconciler.Run(ctx, interval, server.ReconcileDefaults(cfg)); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Reconciler stopped: %v", err)
		}
	})

	log.Printf("Worker started (batch=%d, concurrency=%d)", cfg.WorkerBatchSize, cfg.WorkerConcurrency)
	wg.Wait()

	log.Println("Shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Worker shutdown error: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}
}
