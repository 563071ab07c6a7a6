package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/bastion/internal"
	"github.com/eugener/bastion/internal/cache"
	"github.com/eugener/bastion/internal/telemetry"
)

// statusWriter wraps an http.ResponseWriter to capture the status code for
// logging and metrics, pooled to avoid an allocation per request.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

var statusWriterPool = sync.Pool{New: func() any { return &statusWriter{} }}

func (w *statusWriter) reset(rw http.ResponseWriter) {
	w.ResponseWriter = rw
	w.status = 0
	w.wroteHeader = false
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// recovery turns a panic anywhere downstream into a 500 instead of a crashed
// connection, logging the panic value for diagnosis.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
				)
				writeDetail(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID assigns a UUIDv7 request ID (or echoes an inbound one), attaching
// it to the request context and response headers.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging emits one structured line per request: method, path, status,
// duration, request ID. This is step 1 of the fixed pipeline.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := statusWriterPool.Get().(*statusWriter)
		sw.reset(w)
		defer statusWriterPool.Put(sw)

		start := time.Now()
		next.ServeHTTP(sw, r)

		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
	})
}

// metricsMiddleware records request counts, durations, and in-flight gauge.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.reset(w)
			defer statusWriterPool.Put(sw)

			start := time.Now()
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(elapsed)
		})
	}
}

// tracingMiddleware opens one span per request under the given tracer.
func tracingMiddleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
			defer span.End()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bufferingWriter collects a response so the cache middleware can inspect
// and persist it before it reaches the real ResponseWriter.
type bufferingWriter struct {
	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newBufferingWriter() *bufferingWriter {
	return &bufferingWriter{header: make(http.Header)}
}

func (b *bufferingWriter) Header() http.Header { return b.header }

func (b *bufferingWriter) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferingWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

func (b *bufferingWriter) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(b.body.Bytes())
}

// cacheMiddleware is step 2 of the fixed pipeline: on a cache HIT it serves
// the stored response directly, short-circuiting the rest of the pipeline;
// on a MISS it buffers the downstream response and stores it if eligible.
// Bypass paths and a disabled cache both skip real cache behavior but still
// set X-Cache, so every response carries the header.
func (s *server) cacheMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := s.deps.Cache

		if !c.Enabled() {
			w.Header().Set("X-Cache", "DISABLED")
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheDisabled.Inc()
			}
			next.ServeHTTP(w, r)
			return
		}

		if isBypassPath(r.URL.Path) {
			w.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(w, r)
			return
		}

		identity := gateway.CacheIdentity(r)
		eligible := cache.IsCacheableRequest(r.Method, false, r.Header.Get("Cache-Control"))
		fingerprint := cache.Fingerprint(r.Method, r.URL.Path, r.URL.RawQuery, identity)
		key := cache.Key(fingerprint)

		if eligible {
			if entry, ok := c.Get(r.Context(), key); ok {
				dst := w.Header()
				for k, v := range entry.Headers {
					dst[k] = v
				}
				dst.Set("X-Cache", "HIT")
				dst.Set("X-Cache-Ttl", strconv.FormatInt(int64(c.TTL().Seconds()), 10))
				w.WriteHeader(entry.Status)
				w.Write(entry.Body)
				if s.deps.Metrics != nil {
					s.deps.Metrics.CacheHits.Inc()
				}
				return
			}
		}

		start := time.Now()
		bw := newBufferingWriter()
		next.ServeHTTP(bw, r)
		processTime := time.Since(start).Seconds()

		bw.header.Set("X-Cache", "MISS")
		bw.header.Set("X-Process-Time", fmt.Sprintf("%.4f", processTime))

		if eligible && cache.IsCacheableResponse(bw.status, bw.header.Get("Cache-Control")) {
			entry := &cache.Entry{
				Body:     bw.body.Bytes(),
				Status:   bw.status,
				Headers:  bw.header.Clone(),
				CachedAt: time.Now(),
			}
			if err := c.Set(r.Context(), key, entry); err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "cache store error",
					slog.String("error", err.Error()),
				)
			}
		}

		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
		bw.flush(w)
	})
}

// rateLimitMiddleware is step 3 of the fixed pipeline. It is only installed
// when deps.RateLimiter is non-nil.
func (s *server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isBypassPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity := gateway.ClientIdentity(r)
		result := s.deps.RateLimiter.Allow(r.Context(), identity)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.Inc()
			}
			writeDetail(w, http.StatusTooManyRequests, "Too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authenticate is step 4 of the fixed pipeline. Only /health and /metrics
// are exempt; all other routes, including /admin/cache/*, require a valid
// bearer token.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			if errors.Is(err, gateway.ErrAuthInternal) {
				slog.LogAttrs(r.Context(), slog.LevelError, "auth internal error",
					slog.String("error", err.Error()),
				)
			}
			writeDetail(w, errorStatus(err), authErrorDetail(err))
			return
		}

		ctx := gateway.ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
