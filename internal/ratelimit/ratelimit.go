// Package ratelimit implements the distributed token-bucket limiter: a
// per-client bucket stored in the shared kv.Store, correct under concurrent
// updates from multiple gateway replicas via optimistic compare-and-swap.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/eugener/bastion/internal/kv"
)

const keyPrefix = "rate_limit:"

// maxRetries bounds the optimistic-conflict retry loop; exhausting it fails
// open rather than rejecting the request.
const maxRetries = 3

// Result is returned by Allow and carries the three X-RateLimit-* headers.
type Result struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	ResetAt   int64 // unix seconds
}

// bucketState is the JSON value stored at rate_limit:{client_id}.
type bucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill float64 `json:"last_refill"`
}

// Limiter enforces a single global (max_tokens, window) policy across every
// client, keyed by client identity, backed by a shared kv.Store.
type Limiter struct {
	store      kv.Store
	maxTokens  int64
	window     time.Duration
	refillRate float64 // tokens per second
}

// New creates a Limiter. window must be positive; maxTokens may be zero
// (meaning every request is denied).
func New(store kv.Store, maxTokens int64, window time.Duration) *Limiter {
	l := &Limiter{store: store, maxTokens: maxTokens, window: window}
	if window > 0 {
		l.refillRate = float64(maxTokens) / window.Seconds()
	}
	return l
}

// Allow decides whether clientID may proceed: read the bucket, refill by
// elapsed time, spend one token if at least one is available, write back
// under compare-and-swap.
func (l *Limiter) Allow(ctx context.Context, clientID string) Result {
	return l.allowAt(ctx, clientID, nowSeconds())
}

func (l *Limiter) allowAt(ctx context.Context, clientID string, now float64) Result {
	if l.maxTokens <= 0 {
		return Result{Allowed: false, Remaining: 0, Limit: l.maxTokens, ResetAt: int64(now) + 1}
	}

	key := keyPrefix + clientID
	ttl := 3 * l.window

	for attempt := 0; attempt < maxRetries; attempt++ {
		raw, rev, ok, err := l.store.Get(ctx, key)
		if err != nil {
			return l.failOpen(now, "read error", err)
		}

		state := bucketState{Tokens: float64(l.maxTokens), LastRefill: now}
		if ok {
			if jsonErr := json.Unmarshal(raw, &state); jsonErr != nil {
				state = bucketState{Tokens: float64(l.maxTokens), LastRefill: now}
			}
		} else {
			rev = 0
		}

		elapsed := now - state.LastRefill
		if elapsed < 0 {
			elapsed = 0
		}
		tokens := math.Min(float64(l.maxTokens), state.Tokens+elapsed*l.refillRate)

		var allowed bool
		var remaining float64
		if tokens < 1 {
			allowed = false
			remaining = 0
		} else {
			allowed = true
			tokens--
			remaining = math.Floor(tokens)
		}

		data, _ := json.Marshal(bucketState{Tokens: tokens, LastRefill: now})
		casOK, _, err := l.store.CompareAndSwap(ctx, key, rev, data, ttl)
		if err != nil {
			return l.failOpen(now, "write error", err)
		}
		if casOK {
			return Result{
				Allowed:   allowed,
				Remaining: int64(remaining),
				Limit:     l.maxTokens,
				ResetAt:   l.resetAt(now),
			}
		}
		// Optimistic conflict: another replica won the race on this key. Retry.
	}

	slog.LogAttrs(ctx, slog.LevelWarn, "rate limiter optimistic-conflict retries exhausted, failing open",
		slog.String("client_id", clientID),
	)
	return Result{Allowed: true, Remaining: l.maxTokens, Limit: l.maxTokens, ResetAt: l.resetAt(now)}
}

// failOpen admits the request on any unexpected store error.
func (l *Limiter) failOpen(now float64, reason string, err error) Result {
	slog.LogAttrs(context.Background(), slog.LevelWarn, "rate limiter store error, failing open",
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	return Result{Allowed: true, Remaining: l.maxTokens, Limit: l.maxTokens, ResetAt: l.resetAt(now)}
}

func (l *Limiter) resetAt(now float64) int64 {
	if l.refillRate <= 0 {
		return int64(math.Ceil(now)) + 1
	}
	return int64(math.Ceil(now+1/l.refillRate)) + 1
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
