package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/bastion/internal/auth"
	"github.com/eugener/bastion/internal/cache"
	"github.com/eugener/bastion/internal/config"
	"github.com/eugener/bastion/internal/kv"
	"github.com/eugener/bastion/internal/proxy"
	"github.com/eugener/bastion/internal/ratelimit"
	"github.com/eugener/bastion/internal/server"
	"github.com/eugener/bastion/internal/telemetry"
	"github.com/eugener/bastion/internal/worker"
)

// memoryStoreMaxEntries bounds the in-process KV backend. Cache entries and
// rate-limit buckets share this budget; beyond it otter evicts by frequency.
const memoryStoreMaxEntries = 100_000

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting bastion", "version", version, "addr", cfg.Server.Addr)

	// Shared KV store: the process-wide singleton, pinged at open (fail loud).
	ctx := context.Background()
	store, err := kv.Open(ctx, func(ctx context.Context) (kv.Store, error) {
		switch cfg.KVBackend {
		case "etcd":
			return kv.NewEtcd(kv.EtcdConfig{
				Endpoints:   []string{cfg.KVEndpoint()},
				DialTimeout: 5 * time.Second,
				Password:    cfg.RedisPassword,
			})
		default:
			return kv.NewMemory(memoryStoreMaxEntries)
		}
	})
	if err != nil {
		return fmt.Errorf("open kv store (%s): %w", cfg.KVBackend, err)
	}
	defer kv.Close()
	slog.Info("kv store opened", "backend", cfg.KVBackend)

	// Shared DNS cache for the origin HTTP client.
	dnsResolver := &dnscache.Resolver{}

	// Wire services.
	authenticator := auth.New(auth.Config{
		Secret:    cfg.JWTSecret,
		Algorithm: cfg.JWTAlgorithm,
		Audience:  cfg.JWTAudience,
		Issuer:    cfg.JWTIssuer,
	})

	responseCache := cache.New(store, cfg.CacheTTLDuration())
	if !cfg.CacheEnabled {
		responseCache = cache.NewDisabled(store, cfg.CacheTTLDuration())
	}
	slog.Info("response cache configured", "enabled", cfg.CacheEnabled, "ttl", cfg.CacheTTLDuration())

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New(store, cfg.RateLimitPerMinute, cfg.RateLimitWindow())
		slog.Info("rate limiter configured",
			"max_tokens", cfg.RateLimitPerMinute,
			"window", cfg.RateLimitWindow(),
		)
	}

	origin := proxy.New(cfg.DownstreamURL, proxy.NewTransport(dnsResolver))
	slog.Info("downstream origin configured", "url", cfg.DownstreamURL)

	// Background maintenance workers.
	runner := worker.NewRunner(
		worker.NewDNSRefresher(dnsResolver, 5*time.Minute),
		worker.NewKVProber(store, time.Minute),
	)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("bastion/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	handler := server.New(server.Deps{
		Auth:           authenticator,
		Proxy:          origin,
		Cache:          responseCache,
		RateLimiter:    limiter,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Graceful shutdown.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("bastion ready", "addr", cfg.Server.Addr)

	// Wait for signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests can still use
	// the DNS cache and KV store while draining).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("bastion stopped")
	return nil
}
