// Command vpsd is the provisioning daemon: it creates per-user sandboxed OS
// instances on demand and hands out session credentials once they are
// reachable.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Is-a-space/discord-vps-creator/internal/api"
	"github.com/Is-a-space/discord-vps-creator/internal/catalog"
	"github.com/Is-a-space/discord-vps-creator/internal/config"
	"github.com/Is-a-space/discord-vps-creator/internal/events"
	"github.com/Is-a-space/discord-vps-creator/internal/quota"
	"github.com/Is-a-space/discord-vps-creator/internal/runtime"
	"github.com/Is-a-space/discord-vps-creator/internal/server"
	"github.com/Is-a-space/discord-vps-creator/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	traceOut := flag.Bool("trace", false, "emit traces to stdout")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	limits, err := cfg.ResourceLimits()
	if err != nil {
		log.Fatal("parse resource limits", zap.Error(err))
	}
	log.Info("resource limits for instance creation",
		zap.String("memory", cfg.Resources.Memory),
		zap.Float64("cpus", cfg.Resources.CPUs),
		zap.String("storage", cfg.Resources.Storage))

	if *traceOut {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal("trace exporter", zap.Error(err))
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer tp.Shutdown(context.Background())
	}

	rt, err := runtime.NewDocker(cfg.Docker.Host)
	if err != nil {
		log.Fatal("docker client", zap.Error(err))
	}
	// the runtime must be reachable at startup; per-request failures later
	// are non-fatal
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := rt.Ping(pingCtx); err != nil {
		cancel()
		log.Fatal("docker is not installed or not started", zap.Error(err))
	}
	cancel()
	log.Info("docker is installed and running")

	store, err := storage.NewBadgerStore(cfg.Registry.Path)
	if err != nil {
		log.Fatal("open registry store", zap.Error(err))
	}
	defer store.Close()

	var pub *events.Publisher
	if cfg.NATS.URL != "" {
		pub, err = events.NewPublisher(cfg.NATS.URL, log)
		if err != nil {
			log.Warn("event broker unreachable, continuing without events", zap.Error(err))
			pub = nil
		} else {
			defer pub.Close()
		}
	}

	srv := server.New(server.Options{
		Logger:           log,
		Store:            store,
		Quota:            quota.NewGuard(store, cfg.Quota.Limit),
		Catalog:          catalog.Default(),
		Runtime:          rt,
		Events:           pub,
		Limits:           limits,
		ReadinessTimeout: cfg.Readiness.Timeout,
		PollInterval:     cfg.Readiness.PollInterval,
		MaxConcurrent:    cfg.Readiness.MaxConcurrent,
	})

	apiServer := &http.Server{
		Addr:    cfg.Listen.API,
		Handler: api.NewHTTPHandler(srv, log),
	}
	go func() {
		log.Info("API listening", zap.String("addr", cfg.Listen.API))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api listen", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux)
	metricsServer := &http.Server{Addr: cfg.Listen.Metrics, Handler: metricsMux}
	go func() {
		log.Info("metrics listening", zap.String("addr", cfg.Listen.Metrics))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown initiated")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Warn("metrics shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
}
