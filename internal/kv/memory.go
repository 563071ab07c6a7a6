package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// memEntry pairs a stored value with the optimistic revision counter the
// limiter's CompareAndSwap relies on. Expiry is tracked here rather than
// solely through otter's eviction so DeletePrefix/Keys never observe a
// logically-expired-but-not-yet-evicted entry.
type memEntry struct {
	val       []byte
	rev       int64
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store backed by otter's W-TinyLFU cache. It is the
// default backend for single-instance deployments and for tests.
//
// otter gives fast Get/Set/Invalidate but no key enumeration, which Keys and
// DeletePrefix need; a sidecar set kept under the same lock tracks live keys
// for that purpose.
type Memory struct {
	mu      sync.Mutex
	cache   *otter.Cache[string, memEntry]
	keys    map[string]struct{}
	nextRev int64
	closed  bool
}

// NewMemory creates an in-process Store with the given maximum entry count.
func NewMemory(maxSize int) (*Memory, error) {
	c, err := otter.New[string, memEntry](&otter.Options[string, memEntry]{
		MaximumSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	return &Memory{cache: c, keys: make(map[string]struct{})}, nil
}

func (m *Memory) Ping(_ context.Context) error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

// get returns the live (non-expired) entry for key, invalidating it in place
// if it has expired. Callers must hold m.mu.
func (m *Memory) get(key string) (memEntry, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		delete(m.keys, key)
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		delete(m.keys, key)
		return memEntry{}, false
	}
	return e, true
}

// set stores an entry and records it in the key index. Callers must hold m.mu.
func (m *Memory) set(key string, e memEntry) {
	m.cache.Set(key, e)
	m.keys[key] = struct{}{}
}

// delete removes an entry and its key-index record. Callers must hold m.mu.
func (m *Memory) delete(key string) {
	m.cache.Invalidate(key)
	delete(m.keys, key)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, int64, bool, error) {
	if m.closed {
		return nil, 0, false, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return nil, 0, false, nil
	}
	return e.val, e.rev, true, nil
}

func (m *Memory) Put(_ context.Context, key string, val []byte, ttl time.Duration) (int64, error) {
	if m.closed {
		return 0, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRev++
	e := memEntry{val: val, rev: m.nextRev}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.set(key, e)
	return e.rev, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, expectedRev int64, val []byte, ttl time.Duration) (bool, int64, error) {
	if m.closed {
		return false, 0, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.get(key)
	curRev := int64(0)
	if ok {
		curRev = cur.rev
	}
	if curRev != expectedRev {
		return false, curRev, nil
	}

	m.nextRev++
	e := memEntry{val: val, rev: m.nextRev}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.set(key, e)
	return true, e.rev, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	if m.closed {
		return ErrClosed
	}
	m.mu.Lock()
	m.delete(key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	if m.closed {
		return 0, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key := range m.keys {
		if strings.HasPrefix(key, prefix) {
			if _, live := m.get(key); !live {
				continue
			}
			m.delete(key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	if m.closed {
		return nil, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix, exact := globPrefix(pattern)
	var out []string
	for key := range m.keys {
		if _, live := m.get(key); !live {
			continue
		}
		if exact {
			if key == pattern {
				out = append(out, key)
			}
			continue
		}
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

// globPrefix interprets the limited glob vocabulary the admin API produces:
// a trailing "*" means prefix match, anything else is an exact key.
func globPrefix(pattern string) (prefix string, exact bool) {
	if strings.HasSuffix(pattern, "*") {
		return strings.TrimSuffix(pattern, "*"), false
	}
	return "", true
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
