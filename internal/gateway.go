// Package gateway defines domain types and interfaces for the API gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// Claims is the verified claim set attached to the request context after
// successful bearer-token authentication.
type Claims struct {
	Subject  string `json:"sub"`
	Issuer   string `json:"iss,omitempty"`
	Audience string `json:"aud,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Authenticator validates request credentials and returns the verified claims.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Claims, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Claims is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Claims    *Claims
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ClaimsFromContext extracts the verified claims from context, or nil if
// the request was never authenticated (e.g. a bypass path).
func ClaimsFromContext(ctx context.Context) *Claims {
	if m := metaFromContext(ctx); m != nil {
		return m.Claims
	}
	return nil
}

// ContextWithClaims stores claims in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g. in tests).
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Claims = c
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Claims: c})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Client identity ---

// ClientIdentity derives the rate limiter's partition key: "user:{sub}" when
// the bearer token's subject can be read (even before the Authenticator has
// verified it), else "ip:{first X-Forwarded-For hop}", else
// "ip:{peer address}".
func ClientIdentity(r *http.Request) string {
	if sub := peekBearerSubject(r); sub != "" {
		return "user:" + sub
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hop := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			hop = xff[:i]
		}
		return "ip:" + strings.TrimSpace(hop)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return "ip:" + host
}

// CacheIdentity derives the caller-identity component of the response-cache
// fingerprint: "user:{sub}" when the bearer token's subject can be read, else
// the literal "anonymous". Unlike ClientIdentity it never falls back to the
// client address, so all unauthenticated callers share one cache partition
// per path.
func CacheIdentity(r *http.Request) string {
	if sub := peekBearerSubject(r); sub != "" {
		return "user:" + sub
	}
	return "anonymous"
}

// peekBearerSubject reads the "sub" claim out of a bearer token's payload
// segment without verifying its signature. It is used only for cache/rate
// limiter partitioning; the Authenticator still performs the real signature
// and claim validation further down the pipeline.
func peekBearerSubject(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	token := auth[len(prefix):]
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
