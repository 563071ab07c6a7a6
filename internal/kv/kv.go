// Package kv wraps the shared key-value store the rate limiter and response
// cache depend on. Two backends satisfy the same Store contract: an etcd-backed
// distributed store for multi-replica deployments and an in-process store for
// single-instance use and tests.
package kv

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by any operation on a Store after Close.
var ErrClosed = errors.New("kv: store closed")

// Store is the contract every backend implements. Get/CompareAndSwap expose
// the revision-based optimistic concurrency primitive the rate limiter needs;
// Put is the unconditional last-writer-wins path the cache uses.
type Store interface {
	// Ping verifies connectivity. Called once at construction (fail loud)
	// and may be called again by health-check workers.
	Ping(ctx context.Context) error

	// Get returns the value and its revision. ok is false if the key is
	// absent; err is non-nil only on infrastructure failure.
	Get(ctx context.Context, key string) (val []byte, rev int64, ok bool, err error)

	// Put writes unconditionally, overwriting any prior value, and sets a TTL
	// (zero means no expiry).
	Put(ctx context.Context, key string, val []byte, ttl time.Duration) (rev int64, err error)

	// CompareAndSwap writes val only if the key's current revision equals
	// expectedRev (0 meaning "key must be absent"). ok is false on conflict,
	// not on infrastructure error (which is returned via err).
	CompareAndSwap(ctx context.Context, key string, expectedRev int64, val []byte, ttl time.Duration) (ok bool, newRev int64, err error)

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key with the given prefix and returns the
	// count removed.
	DeletePrefix(ctx context.Context, prefix string) (deleted int64, err error)

	// Keys lists keys matching a glob pattern rooted at a literal prefix
	// (the only glob forms produced by the admin pattern-invalidation API:
	// "prefix*" or an exact key).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close tears down the backend's connection/resources.
	Close() error
}

// singleton is the process-wide Store handle: init-on-first-use, ping-on-init
// (fail loud), explicit teardown that clears the handle for test isolation.
var (
	singletonMu sync.Mutex
	singleton   Store
)

// Open establishes (or returns the existing) process-wide Store using the
// constructor fn on first call. fn is only invoked once until Close is called.
func Open(ctx context.Context, fn func(ctx context.Context) (Store, error)) (Store, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return singleton, nil
	}
	s, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	singleton = s
	return s, nil
}

// Close tears down the process-wide handle, if any, and clears it so a
// subsequent Open reconnects. Safe to call when no handle is open.
func Close() error {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		return nil
	}
	err := singleton.Close()
	singleton = nil
	return err
}
