package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemory_GetPutRoundTrip(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	ctx := context.Background()

	if _, _, ok, err := m.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}

	rev, err := m.Put(ctx, "k", []byte("v1"), 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, gotRev, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get after Put: ok=%v err=%v", ok, err)
	}
	if string(val) != "v1" || gotRev != rev {
		t.Errorf("got val=%q rev=%d, want v1/%d", val, gotRev, rev)
	}
}

func TestMemory_CompareAndSwap(t *testing.T) {
	t.Parallel()
	m, _ := NewMemory(100)
	ctx := context.Background()

	ok, rev, err := m.CompareAndSwap(ctx, "bucket", 0, []byte("first"), 0)
	if err != nil || !ok {
		t.Fatalf("initial CAS should succeed: ok=%v err=%v", ok, err)
	}

	if ok, _, err := m.CompareAndSwap(ctx, "bucket", 0, []byte("stale"), 0); err != nil || ok {
		t.Fatalf("stale CAS should fail: ok=%v err=%v", ok, err)
	}

	ok, _, err = m.CompareAndSwap(ctx, "bucket", rev, []byte("second"), 0)
	if err != nil || !ok {
		t.Fatalf("CAS with current revision should succeed: ok=%v err=%v", ok, err)
	}
	val, _, _, _ := m.Get(ctx, "bucket")
	if string(val) != "second" {
		t.Errorf("got %q, want second", val)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	t.Parallel()
	m, _ := NewMemory(100)
	ctx := context.Background()

	m.Put(ctx, "ephemeral", []byte("x"), 10*time.Millisecond)
	if _, _, ok, _ := m.Get(ctx, "ephemeral"); !ok {
		t.Fatal("expected key to be present immediately after Put")
	}
	time.Sleep(30 * time.Millisecond)
	if _, _, ok, _ := m.Get(ctx, "ephemeral"); ok {
		t.Error("expected key to have expired")
	}
}

func TestMemory_DeletePrefixAndKeys(t *testing.T) {
	t.Parallel()
	m, _ := NewMemory(100)
	ctx := context.Background()

	m.Put(ctx, "cache:a", []byte("1"), 0)
	m.Put(ctx, "cache:b", []byte("2"), 0)
	m.Put(ctx, "rate_limit:c", []byte("3"), 0)

	keys, err := m.Keys(ctx, "cache:*")
	if err != nil || len(keys) != 2 {
		t.Fatalf("Keys(cache:*) = %v, err=%v", keys, err)
	}

	n, err := m.DeletePrefix(ctx, "cache:")
	if err != nil || n != 2 {
		t.Fatalf("DeletePrefix = %d, err=%v", n, err)
	}
	if keys, _ := m.Keys(ctx, "cache:*"); len(keys) != 0 {
		t.Errorf("expected no cache keys left, got %v", keys)
	}
	if _, _, ok, _ := m.Get(ctx, "rate_limit:c"); !ok {
		t.Error("unrelated key should survive DeletePrefix")
	}
}

func TestMemory_ClosedRejectsOps(t *testing.T) {
	t.Parallel()
	m, _ := NewMemory(10)
	m.Close()
	if err := m.Ping(context.Background()); err != ErrClosed {
		t.Errorf("Ping after Close = %v, want ErrClosed", err)
	}
	if _, _, _, err := m.Get(context.Background(), "k"); err != ErrClosed {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
}
