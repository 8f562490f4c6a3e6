// Command jobguard runs the tracking sidecar as a standalone process:
// it attaches to one Redis-backed queue, mirrors job lifecycles into
// PostgreSQL and reconciles stuck jobs until terminated.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/jobguard"
	obs "github.com/fairyhunter13/jobguard/internal/adapter/observability"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (otherwise JOBGUARD_* env)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		slog.Error("jobguard exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	var (
		cfg jobguard.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = jobguard.LoadConfigFile(cfgPath)
	} else {
		cfg, err = jobguard.LoadConfig()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := obs.SetupTracing(endpoint, "jobguard")
		if err != nil {
			return err
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shCtx)
		}()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     envOr("JOBGUARD_REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("JOBGUARD_REDIS_PASSWORD"),
	})
	defer func() { _ = client.Close() }()

	coord, err := jobguard.Create(ctx, client, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = coord.Shutdown() }()

	if addr := envOr("JOBGUARD_METRICS_ADDR", ":9090"); addr != "off" {
		go serveMetrics(addr)
	}

	slog.Info("jobguard sidecar running",
		slog.String("instance_id", coord.InstanceID()),
		slog.String("queue", cfg.QueueName),
		slog.String("queue_type", cfg.QueueType))

	<-ctx.Done()
	slog.Info("shutting down")
	return coord.Shutdown()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Warn("metrics listener stopped", slog.Any("error", err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
