package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/magickflow/internal/artifact"
	"github.com/dunamismax/magickflow/internal/config"
	"github.com/dunamismax/magickflow/internal/retention"
	"github.com/dunamismax/magickflow/internal/storage"
	"github.com/dunamismax/magickflow/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[sweeper] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Component:    "sweeper",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}

	artifacts, err := artifact.NewStore(artifact.Config{
		InputDir:  cfg.Artifacts.InputDir,
		OutputDir: cfg.Artifacts.OutputDir,
	})
	if err != nil {
		logger.Fatalf("open artifact store: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []retention.Option{retention.WithRegisterer(registry)}

	if cfg.Storage.Enabled() {
		mirror, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			Prefix:   cfg.Storage.Prefix,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatalf("create object storage client: %v", err)
		}
		opts = append(opts, retention.WithRemover(mirror))
	}

	sweeper := retention.NewSweeper(logger, artifacts, retention.Config{
		Window:   cfg.Retention.Window,
		Interval: cfg.Retention.Interval,
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(sweeper.State().String() + "\n"))
	})
	metricsServer := &http.Server{
		Addr:              cfg.Sweeper.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Sweeper.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	// Sweep once at startup, then on every tick.
	if _, err := sweeper.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("initial sweep failed: %v", err)
	}
	if err := sweeper.Run(ctx); err != nil {
		logger.Printf("sweeper exited: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
