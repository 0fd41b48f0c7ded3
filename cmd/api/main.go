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

	"github.com/dunamismax/magickflow/internal/api"
	"github.com/dunamismax/magickflow/internal/artifact"
	"github.com/dunamismax/magickflow/internal/config"
	"github.com/dunamismax/magickflow/internal/process"
	"github.com/dunamismax/magickflow/internal/retention"
	"github.com/dunamismax/magickflow/internal/storage"
	"github.com/dunamismax/magickflow/internal/store"
	"github.com/dunamismax/magickflow/internal/telemetry"
	"github.com/dunamismax/magickflow/internal/transform"
	"github.com/dunamismax/magickflow/internal/webhook"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Component:    "api",
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
	serviceOpts := []transform.Option{transform.WithRegisterer(registry)}
	sweeperOpts := []retention.Option{retention.WithRegisterer(registry)}

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
		if err := mirror.EnsureBucket(ctx); err != nil {
			logger.Fatalf("ensure bucket: %v", err)
		}
		serviceOpts = append(serviceOpts, transform.WithPublisher(mirror))
		sweeperOpts = append(sweeperOpts, retention.WithRemover(mirror))
		logger.Printf("object storage mirror enabled endpoint=%s bucket=%s", cfg.Storage.Endpoint, mirror.Bucket())
	}

	var jobStore store.JobStore = store.NewMemoryJobStore()
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("open postgres job store: %v", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Printf("postgres close error: %v", err)
			}
		}()
		jobStore = pg
		logger.Printf("job history stored in postgres")
	}

	runner := process.NewRunner(logger, process.Config{
		Tool:    cfg.Tool.Path,
		Timeout: cfg.Tool.Timeout,
	})
	svc := transform.NewService(logger, artifacts, runner, serviceOpts...)

	notifier := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	app := api.NewServer(logger, svc, artifacts, jobStore,
		api.WithRegistry(registry),
		api.WithNotifier(notifier),
		api.WithMaxUploadBytes(cfg.API.MaxUploadBytes),
	)

	sweepDone := make(chan struct{})
	if cfg.Retention.Disabled {
		close(sweepDone)
		logger.Printf("in-process retention sweeper disabled")
	} else {
		sweeper := retention.NewSweeper(logger, artifacts, retention.Config{
			Window:   cfg.Retention.Window,
			Interval: cfg.Retention.Interval,
		}, sweeperOpts...)
		go func() {
			defer close(sweepDone)
			if err := sweeper.Run(ctx); err != nil {
				logger.Printf("retention sweeper exited: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s tool=%s timeout=%s", cfg.API.Addr, cfg.Tool.Path, cfg.Tool.Timeout)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Printf("pending webhooks abandoned: %v", err)
	}
	<-sweepDone
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
