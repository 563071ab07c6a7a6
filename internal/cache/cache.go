// Package cache implements the shared response cache: a kv.Store-backed
// store of complete HTTP responses keyed on the request fingerprint, with
// TTL, hit/miss signaling, and the admin stats/flush/invalidate operations.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eugener/bastion/internal/kv"
)

const keyPrefix = "cache:"

// injectedHeaders are the gateway-added instrumentation headers that must
// never be persisted; a stored X-Cache: MISS would be replayed on HITs.
var injectedHeaders = []string{"X-Cache", "X-Process-Time", "X-Cache-Ttl"}

// Entry is the value stored at cache:{fingerprint}.
type Entry struct {
	Body     []byte      `json:"content"`
	Status   int         `json:"status_code"`
	Headers  http.Header `json:"headers"`
	CachedAt time.Time   `json:"cached_at"`
}

// Cache is the shared response cache. A nil *Cache is valid and behaves as
// disabled.
type Cache struct {
	store     kv.Store
	ttl       time.Duration
	enabled   bool
	startedAt time.Time
}

// New creates an enabled Cache with the given default TTL.
func New(store kv.Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl, enabled: true, startedAt: time.Now()}
}

// NewDisabled creates a Cache with CACHE_ENABLED=false semantics: Get, Set,
// FlushAll and InvalidatePattern are no-ops, Stats reports cache_enabled
// false and store_connected false without probing the store, and the
// middleware serves X-Cache: DISABLED on every response.
func NewDisabled(store kv.Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl, enabled: false, startedAt: time.Now()}
}

// Enabled reports whether the cache is installed and active.
func (c *Cache) Enabled() bool { return c != nil && c.enabled }

// TTL returns the configured default TTL.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// Fingerprint computes the MD5 digest over (method, path, query, identity).
// MD5 here is a fingerprint, not a security boundary.
func Fingerprint(method, path, query, identity string) string {
	h := md5.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write([]byte(query))
	h.Write([]byte{'|'})
	h.Write([]byte(identity))
	return hex.EncodeToString(h.Sum(nil))
}

// Key returns the storage key for a fingerprint.
func Key(fingerprint string) string { return keyPrefix + fingerprint }

// Get returns the cached entry for key, or false on miss. Store read
// failures are logged at error level and treated as a miss, never surfaced
// to the client.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	if c == nil || !c.enabled {
		return nil, false
	}
	raw, _, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "cache read error",
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// Set stores an entry unconditionally (last writer wins). A write failure
// is returned to the caller, which logs it and otherwise treats it as a
// no-op.
func (c *Cache) Set(ctx context.Context, key string, e *Entry) error {
	if c == nil || !c.enabled {
		return nil
	}
	StripInjectedHeaders(e.Headers)
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = c.store.Put(ctx, key, data, c.ttl)
	return err
}

// StripInjectedHeaders removes gateway-added instrumentation headers
// case-insensitively before a response is persisted.
func StripInjectedHeaders(h http.Header) {
	for _, name := range injectedHeaders {
		h.Del(name)
	}
}

// IsCacheableRequest reports inbound eligibility: GET, not a bypass
// path, and the caller did not send Cache-Control: no-cache.
func IsCacheableRequest(method string, bypass bool, cacheControl string) bool {
	if bypass {
		return false
	}
	if method != http.MethodGet {
		return false
	}
	return !strings.Contains(strings.ToLower(cacheControl), "no-cache")
}

// IsCacheableResponse reports outbound eligibility: a 2xx status
// whose Cache-Control does not contain no-cache or no-store.
func IsCacheableResponse(status int, cacheControl string) bool {
	if status < 200 || status >= 300 {
		return false
	}
	lower := strings.ToLower(cacheControl)
	return !strings.Contains(lower, "no-cache") && !strings.Contains(lower, "no-store")
}

// Stats is the admin /admin/cache/stats response shape.
type Stats struct {
	CacheEnabled       bool   `json:"cache_enabled"`
	CacheTTL           int64  `json:"cache_ttl"`
	TotalCacheKeys     int    `json:"total_cache_keys"`
	StoreConnected     bool   `json:"store_connected"`
	StoreMemoryHuman   string `json:"store_memory_human,omitempty"`
	StoreUptimeSeconds int64  `json:"store_uptime_seconds"`
	StoreError         string `json:"store_error,omitempty"`
}

// Stats returns cache statistics, degrading gracefully (store_connected:
// false plus an error string) rather than failing the admin request.
func (c *Cache) Stats(ctx context.Context) Stats {
	s := Stats{CacheEnabled: c.Enabled(), CacheTTL: int64(c.TTL().Seconds())}
	if c == nil || !c.enabled {
		s.StoreConnected = false
		return s
	}
	s.StoreUptimeSeconds = int64(time.Since(c.startedAt).Seconds())
	if err := c.store.Ping(ctx); err != nil {
		s.StoreConnected = false
		s.StoreError = err.Error()
		return s
	}
	keys, err := c.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		s.StoreConnected = false
		s.StoreError = err.Error()
		return s
	}
	s.StoreConnected = true
	s.TotalCacheKeys = len(keys)
	s.StoreMemoryHuman = "n/a (in-process accounting not tracked per-byte)"
	return s
}

// FlushAll deletes every cached entry and returns the count removed.
func (c *Cache) FlushAll(ctx context.Context) (int64, error) {
	if c == nil || !c.enabled {
		return 0, nil
	}
	return c.store.DeletePrefix(ctx, keyPrefix)
}

// InvalidatePattern deletes cache entries whose fingerprint matches pattern
// (glob semantics of the underlying store).
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	if c == nil || !c.enabled {
		return 0, nil
	}
	keys, err := c.store.Keys(ctx, keyPrefix+pattern)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
