// Package server wires the HTTP transport layer for the gateway: the fixed
// middleware pipeline (logging -> cache -> rate limit -> auth -> proxy) plus
// the bypass health and admin cache endpoints.
package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/bastion/internal"
	"github.com/eugener/bastion/internal/cache"
	"github.com/eugener/bastion/internal/ratelimit"
	"github.com/eugener/bastion/internal/telemetry"
)

// Deps holds every dependency the HTTP server wires into its pipeline.
type Deps struct {
	Auth  gateway.Authenticator // required
	Proxy http.Handler          // required: the single-origin reverse proxy

	Cache       *cache.Cache       // never nil; Enabled()==false still serves X-Cache: DISABLED
	RateLimiter *ratelimit.Limiter // nil = rate-limit middleware not installed

	Metrics        *telemetry.Metrics // nil = no Prometheus instrumentation
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
}

// New creates an http.Handler with every route and the fixed middleware
// pipeline: logging, then cache, then rate limit, then auth, then the proxy
// handler as the innermost layer. The order is load-bearing: a cache HIT is
// served before the limiter runs, so HITs never consume tokens.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging) // step 1: logging
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}
	r.Use(s.cacheMiddleware) // step 2: cache lookup/insert
	if deps.RateLimiter != nil {
		r.Use(s.rateLimitMiddleware) // step 3: rate limiter
	}
	r.Use(s.authenticate) // step 4: authenticator

	r.Get("/health", s.handleHealth)

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Get("/admin/cache/stats", s.handleCacheStats)
	r.Delete("/admin/cache", s.handleCacheFlush)
	r.Delete("/admin/cache/{pattern}", s.handleCacheInvalidate)

	// step 5: the proxy handler, innermost, catches everything else.
	r.Handle("/*", deps.Proxy)

	return r
}

type server struct {
	deps Deps
}

// isBypassPath reports whether path is exempt from rate limiting and
// caching: /health, /metrics, and the administrative cache endpoints.
// /health and /metrics are additionally exempt from authentication.
func isBypassPath(path string) bool {
	return path == "/health" || path == "/metrics" || isAdminCachePath(path)
}

func isAdminCachePath(path string) bool {
	return path == "/admin/cache" || strings.HasPrefix(path, "/admin/cache/")
}
