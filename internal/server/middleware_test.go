package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/bastion/internal"
	"github.com/eugener/bastion/internal/cache"
	"github.com/eugener/bastion/internal/kv"
	"github.com/eugener/bastion/internal/ratelimit"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	store, err := kv.NewMemory(1000)
	if err != nil {
		t.Fatalf("kv.NewMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &server{deps: Deps{
		Auth:        &fakeAuthenticator{},
		Cache:       cache.New(store, time.Minute),
		RateLimiter: ratelimit.New(store, 100, time.Minute),
	}}
}

func TestCacheMiddleware_MissThenHit(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	})
	handler := s.cacheMiddleware(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("first request X-Cache = %q, want MISS", rec.Header().Get("X-Cache"))
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("second request X-Cache = %q, want HIT", rec2.Header().Get("X-Cache"))
	}
	if rec2.Body.String() != "hello" {
		t.Fatalf("body = %q", rec2.Body.String())
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (origin not called again on hit)", calls)
	}
}

func TestCacheMiddleware_AnonymousClientsShareEntries(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Write([]byte("shared"))
	})
	handler := s.cacheMiddleware(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	req.RemoteAddr = "198.51.100.4:1111"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("first client X-Cache = %q, want MISS", rec.Header().Get("X-Cache"))
	}

	// A different unauthenticated client must hit the same anonymous entry.
	req2 := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	req2.RemoteAddr = "203.0.113.9:2222"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("second client X-Cache = %q, want HIT", rec2.Header().Get("X-Cache"))
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (anonymous clients share one cache partition)", calls)
	}
}

func TestCacheMiddleware_PostNeverCached(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})
	handler := s.cacheMiddleware(next)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/resource", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Header().Get("X-Cache") != "MISS" {
			t.Fatalf("POST request X-Cache = %q, want MISS", rec.Header().Get("X-Cache"))
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (POST never served from cache)", calls)
	}
}

func TestCacheMiddleware_DisabledSetsHeaderAndSkipsLookup(t *testing.T) {
	t.Parallel()
	store, err := kv.NewMemory(10)
	if err != nil {
		t.Fatalf("kv.NewMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	s := &server{deps: Deps{Cache: disabledCache(t, store)}}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := s.cacheMiddleware(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Cache") != "DISABLED" {
		t.Fatalf("X-Cache = %q, want DISABLED", rec.Header().Get("X-Cache"))
	}
}

func TestCacheMiddleware_BypassPathSkipsLookup(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})
	handler := s.cacheMiddleware(next)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Header().Get("X-Cache") != "MISS" {
			t.Fatalf("bypass path X-Cache = %q, want MISS", rec.Header().Get("X-Cache"))
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (bypass path never cached)", calls)
	}
}

func TestRateLimitMiddleware_DeniesOverCapacity(t *testing.T) {
	t.Parallel()
	store, err := kv.NewMemory(10)
	if err != nil {
		t.Fatalf("kv.NewMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	s := &server{deps: Deps{RateLimiter: ratelimit.New(store, 1, time.Minute)}}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := s.rateLimitMiddleware(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	req.RemoteAddr = "203.0.113.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	req2.RemoteAddr = "203.0.113.1:1234"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
	if rec2.Body.String() != `{"detail":"Too many requests"}` {
		t.Fatalf("body = %q", rec2.Body.String())
	}
}

func TestRateLimitMiddleware_BypassPathSkipsLimiting(t *testing.T) {
	t.Parallel()
	store, err := kv.NewMemory(10)
	if err != nil {
		t.Fatalf("kv.NewMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	s := &server{deps: Deps{RateLimiter: ratelimit.New(store, 1, time.Minute)}}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := s.rateLimitMiddleware(next)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/admin/cache", nil)
		req.RemoteAddr = "203.0.113.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Errorf("bypass path should not carry X-RateLimit headers")
		}
	}
}

func TestAuthenticate_HealthBypassesAuth(t *testing.T) {
	t.Parallel()
	s := &server{deps: Deps{Auth: &fakeAuthenticator{err: gateway.ErrMissingBearer}}}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := s.authenticate(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !called {
		t.Fatal("next not called for /health")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthenticate_RejectsWithMappedStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{"missing bearer", gateway.ErrMissingBearer, http.StatusUnauthorized, "Missing or invalid Authorization header"},
		{"expired", gateway.ErrTokenExpired, http.StatusUnauthorized, "Token expired"},
		{"invalid", gateway.ErrTokenInvalid, http.StatusUnauthorized, "Token invalid"},
		// errors.Join separates its messages with a newline, which the JSON
		// body carries as the escape sequence \n.
		{"internal", errors.Join(gateway.ErrAuthInternal, errors.New("boom")), http.StatusInternalServerError, `Auth error: auth error\nboom`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := &server{deps: Deps{Auth: &fakeAuthenticator{err: tc.err}}}
			handler := s.authenticate(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				t.Fatal("next should not be called on auth failure")
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if rec.Body.String() != `{"detail":"`+tc.wantDetail+`"}` {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestAuthenticate_AttachesClaimsToContext(t *testing.T) {
	t.Parallel()
	claims := &gateway.Claims{Subject: "user-42"}
	s := &server{deps: Deps{Auth: &fakeAuthenticator{claims: claims}}}
	var got *gateway.Claims
	handler := s.authenticate(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = gateway.ClaimsFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got == nil || got.Subject != "user-42" {
		t.Fatalf("claims in context = %+v, want Subject=user-42", got)
	}
}

func TestRecovery_RecoversPanic(t *testing.T) {
	t.Parallel()
	s := &server{}
	handler := s.recovery(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	t.Parallel()
	s := &server{}
	var idInCtx string
	handler := s.requestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		idInCtx = gateway.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if idInCtx == "" {
		t.Fatal("request ID not attached to context")
	}
	if rec.Header().Get("X-Request-Id") != idInCtx {
		t.Fatalf("response header X-Request-Id = %q, want %q", rec.Header().Get("X-Request-Id"), idInCtx)
	}
}

func TestRequestID_EchoesInbound(t *testing.T) {
	t.Parallel()
	s := &server{}
	handler := s.requestID(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	req.Header.Set("X-Request-Id", "inbound-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") != "inbound-id" {
		t.Fatalf("X-Request-Id = %q, want inbound-id", rec.Header().Get("X-Request-Id"))
	}
}

func disabledCache(t *testing.T, store kv.Store) *cache.Cache {
	t.Helper()
	return cache.NewDisabled(store, time.Minute)
}
